package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func generatorFixture(t *testing.T, mutate func(*Settings)) (*Generator, Settings) {
	t.Helper()
	set := DefaultSettings()
	set.DataDir = t.TempDir()
	set.ControllerAddr = "127.0.0.1:9191"
	if mutate != nil {
		mutate(&set)
	}
	store := NewStore(filepath.Join(t.TempDir(), "settings.yaml"), set)
	return NewGenerator(store), set
}

func readYAML(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	doc := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Failed to parse %s: %v", path, err)
	}
	return doc
}

func TestGenerator_RunConfigWithoutProfile(t *testing.T) {
	gen, set := generatorFixture(t, nil)

	path, err := gen.GenerateRunConfig()
	if err != nil {
		t.Fatalf("GenerateRunConfig failed: %v", err)
	}
	if filepath.Base(path) != RunConfigName {
		t.Errorf("Expected %s, got %s", RunConfigName, filepath.Base(path))
	}

	doc := readYAML(t, path)
	if doc["external-controller"] != set.ControllerAddr {
		t.Errorf("Expected controller addr %s, got %v", set.ControllerAddr, doc["external-controller"])
	}
	if doc["mixed-port"] != set.MixedPort {
		t.Errorf("Expected mixed port %d, got %v", set.MixedPort, doc["mixed-port"])
	}
	if _, ok := doc["tun"]; ok {
		t.Error("Expected no tun section when tun mode is off")
	}
	if _, ok := doc["secret"]; ok {
		t.Error("Expected no secret key when none configured")
	}
}

func TestGenerator_OverlaysProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	content := "port: 1234\nexternal-controller: 10.0.0.1:9999\nrules:\n  - MATCH,DIRECT\n"
	if err := os.WriteFile(profile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	gen, set := generatorFixture(t, func(s *Settings) {
		s.ProfilePath = profile
		s.ControllerSecret = "hunter2"
		s.TunMode = true
	})

	path, err := gen.GenerateRunConfig()
	if err != nil {
		t.Fatalf("GenerateRunConfig failed: %v", err)
	}
	doc := readYAML(t, path)

	// Profile keys survive
	if doc["port"] != 1234 {
		t.Errorf("Expected profile port preserved, got %v", doc["port"])
	}
	if _, ok := doc["rules"]; !ok {
		t.Error("Expected profile rules preserved")
	}

	// Supervisor-owned keys override the profile
	if doc["external-controller"] != set.ControllerAddr {
		t.Errorf("Expected controller override %s, got %v", set.ControllerAddr, doc["external-controller"])
	}
	if doc["secret"] != "hunter2" {
		t.Errorf("Expected secret set, got %v", doc["secret"])
	}
	tun, ok := doc["tun"].(map[string]interface{})
	if !ok || tun["enable"] != true {
		t.Errorf("Expected tun enabled, got %v", doc["tun"])
	}
}

func TestGenerator_MissingProfileFails(t *testing.T) {
	gen, _ := generatorFixture(t, func(s *Settings) {
		s.ProfilePath = "/nonexistent/profile.yaml"
	})
	if _, err := gen.GenerateRunConfig(); err == nil {
		t.Fatal("Expected error for missing profile")
	}
}

func TestGenerator_FullConfigWritesBoth(t *testing.T) {
	gen, set := generatorFixture(t, nil)

	if err := gen.GenerateFullConfig(context.Background()); err != nil {
		t.Fatalf("GenerateFullConfig failed: %v", err)
	}
	for _, name := range []string{RunConfigName, CheckConfigName} {
		if _, err := os.Stat(filepath.Join(set.DataDir, name)); err != nil {
			t.Errorf("Expected %s written: %v", name, err)
		}
	}
}

func TestGenerator_FullConfigHonorsCancellation(t *testing.T) {
	gen, set := generatorFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := gen.GenerateFullConfig(ctx); err == nil {
		t.Fatal("Expected error for cancelled context")
	}
	if _, err := os.Stat(filepath.Join(set.DataDir, RunConfigName)); !os.IsNotExist(err) {
		t.Error("Expected no output written after cancellation")
	}
}
