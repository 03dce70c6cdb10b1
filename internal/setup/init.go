// Package setup lays out a new exportd working directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/exportd/internal/model"
	yamlutil "github.com/msageha/exportd/internal/yaml"
	"github.com/msageha/exportd/templates"
)

// ConfigFileName is the config file Run writes into the working directory.
const ConfigFileName = "exportd.yaml"

const placeholderText = "Export batches for this tag are written to {agent}/ subdirectories.\n"

// Run creates dir/exportd.yaml from the embedded template together with the
// state directory and one export directory per tag. It returns the config path.
func Run(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}

	cfgPath := filepath.Join(absDir, ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return "", fmt.Errorf("%s already exists", cfgPath)
	}

	cfg, err := generateConfig(absDir)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}

	// Create directory structure
	for _, d := range []string{"locks", "logs", "state", filepath.Join("state", "quarantine")} {
		if err := os.MkdirAll(filepath.Join(cfg.StateDir, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	for _, tag := range cfg.Tags {
		tagDir := filepath.Join(cfg.Files.Root, tag)
		if err := os.MkdirAll(tagDir, 0755); err != nil {
			return "", fmt.Errorf("create tag directory %s: %w", tag, err)
		}
		if err := os.WriteFile(filepath.Join(tagDir, model.PlaceholderFileName), []byte(placeholderText), 0644); err != nil {
			return "", fmt.Errorf("write placeholder: %w", err)
		}
	}

	if err := yamlutil.Write(cfgPath, cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", ConfigFileName, err)
	}
	return cfgPath, nil
}

// generateConfig reads the template over the defaults and anchors the
// relative paths at absDir.
func generateConfig(absDir string) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.Defaults()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}

	// Auto-fill fields
	cfg.StateDir = filepath.Join(absDir, cfg.StateDir)
	cfg.Files.Root = filepath.Join(absDir, cfg.Files.Root)
	return cfg, cfg.Validate()
}
