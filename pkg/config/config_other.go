//go:build !linux && !darwin && !windows

package config

import (
	"os"
	"path/filepath"
)

const defaultEngineBinary = "ocrmypdf"

func defaultUploadRoot() string {
	return filepath.Join(os.TempDir(), "uploads")
}
