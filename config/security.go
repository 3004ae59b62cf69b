package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	maxConfigBytes = 10 << 20
	maxPathLen     = 4096
)

// checkConfigPath refuses paths that climb out with ".." and files that
// are not YAML or JSON.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("config path is empty")
	case len(path) > maxPathLen:
		return fmt.Errorf("config path is %d bytes long, limit %d", len(path), maxPathLen)
	case slices.Contains(strings.Split(filepath.ToSlash(path), "/"), ".."):
		return fmt.Errorf("config path %s contains ..", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return nil
	}
	return fmt.Errorf("config file %s: want .yaml, .yml or .json", path)
}

func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return nil, fmt.Errorf("stat config: %w", err)
	case info.IsDir():
		return nil, fmt.Errorf("config path %s is a directory", path)
	case info.Size() > maxConfigBytes:
		return nil, fmt.Errorf("config file %s is %d bytes, limit %d", path, info.Size(), maxConfigBytes)
	}
	return os.ReadFile(path)
}
