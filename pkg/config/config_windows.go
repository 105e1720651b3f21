package config

import (
	"os"
	"path/filepath"
)

const defaultEngineBinary = "ocrmypdf.exe"

func defaultUploadRoot() string {
	return filepath.Join(os.TempDir(), "uploads")
}
