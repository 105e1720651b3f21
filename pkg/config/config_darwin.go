package config

import (
	"os"
	"path/filepath"
)

// Homebrew 安装的 ocrmypdf 在 PATH 中
const defaultEngineBinary = "ocrmypdf"

func defaultUploadRoot() string {
	return filepath.Join(os.TempDir(), "uploads")
}
