package config

const defaultEngineBinary = "ocrmypdf"

func defaultUploadRoot() string {
	return "/tmp/uploads"
}
