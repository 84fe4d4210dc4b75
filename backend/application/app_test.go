package application

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"sledge/backend/config"
)

func TestNewAppWithoutFileUsesDefaults(t *testing.T) {
	app, err := NewApp("")
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if app.Config.Scan.Threads != 10 || app.Config.Mirror.Root != "sledge-data" {
		t.Fatalf("unexpected defaults: %+v", app.Config)
	}
	if app.Logger.GetLevel() != logrus.WarnLevel {
		t.Fatalf("default level = %s", app.Logger.GetLevel())
	}
}

func TestNewAppGeneratesMissingFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf", "sledge.yaml")
	app, err := NewApp(file)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("config not generated: %v", err)
	}
	var got config.Config
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if got.Version != Version || got.Scan.Timeout != 5*time.Second {
		t.Fatalf("unexpected generated config: %+v", got)
	}
	if app.Config.Log.Dir != filepath.Join(filepath.Dir(file), "log") {
		t.Fatalf("log dir = %q", app.Config.Log.Dir)
	}
}

func TestLoadFillsDefaultsAndUpgrades(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sledge.yaml")
	content := "version: 0.9.0\nscan:\n  threads: 64\n  timeout: 2s\nmirror:\n  enable: true\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	app, err := NewApp(file)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	cfg := app.Config
	if cfg.Scan.Threads != 64 || cfg.Scan.Timeout != 2*time.Second || !cfg.Mirror.Enable {
		t.Fatalf("explicit values lost: %+v", cfg)
	}
	if cfg.Scan.Port != 21 || cfg.Mirror.Root != "sledge-data" || cfg.Mirror.Workers != 1 {
		t.Fatalf("defaults not filled: %+v", cfg)
	}
	data, _ := os.ReadFile(file)
	if !strings.Contains(string(data), "version: "+Version) {
		t.Fatalf("config file not rewritten with the new version:\n%s", data)
	}
}

func TestLegacyIniIsConverted(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "sledge.ini")
	content := "version = 1.0.0\n\n[Scan]\nthreads = 32\nport = 2121\n\n[Mirror]\nenable = true\nroot = /tmp/ftp\n"
	if err := os.WriteFile(legacy, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	app, err := NewApp(filepath.Join(dir, "sledge.yaml"))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if app.Config.Scan.Threads != 32 || app.Config.Scan.Port != 2121 || app.Config.Mirror.Root != "/tmp/ftp" {
		t.Fatalf("ini values not carried over: %+v", app.Config)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Fatalf("legacy file should be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "sledge.yaml")); err != nil {
		t.Fatalf("yaml config missing: %v", err)
	}
}
