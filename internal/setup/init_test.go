package setup

import (
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/templates"
)

func TestTemplate_MatchesDefaults(t *testing.T) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse template: %v", err)
	}
	if want := model.Defaults(); !reflect.DeepEqual(cfg, want) {
		t.Errorf("template config differs from defaults:\n got  %+v\n want %+v", cfg, want)
	}
}

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()

	cfgPath, err := Run(dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cfgPath != filepath.Join(dir, ConfigFileName) {
		t.Errorf("config path = %s", cfgPath)
	}

	for _, d := range []string{".exportd/locks", ".exportd/logs", ".exportd/state/quarantine", "exports/prod"} {
		info, err := os.Stat(filepath.Join(dir, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "exports", "prod", model.PlaceholderFileName)); err != nil {
		t.Errorf("placeholder missing: %v", err)
	}
}

func TestRun_ConfigLoadsWithAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	cfgPath, err := Run(dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := model.LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StateDir != filepath.Join(dir, ".exportd") {
		t.Errorf("state_dir = %s", cfg.StateDir)
	}
	if cfg.Files.Root != filepath.Join(dir, "exports") {
		t.Errorf("files.root = %s", cfg.Files.Root)
	}
	if cfg.ManifestProcessor.LeaseTime != model.Defaults().ManifestProcessor.LeaseTime {
		t.Errorf("manifest_processor.lease_time = %v", cfg.ManifestProcessor.LeaseTime.D())
	}
}

func TestRun_RefusesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	if _, err := Run(dir); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := Run(dir); err == nil {
		t.Fatal("second Run succeeded, want already exists error")
	}
}
