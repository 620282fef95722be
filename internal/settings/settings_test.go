package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadUserOnly(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.yaml")
	writeFile(t, userPath, `
default_api: anthropic
default_model: claude-sonnet-4-5
queue_mode: one-at-a-time
`)

	s, err := Load(userPath, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.DefaultAPI(); got != "anthropic" {
		t.Errorf("DefaultAPI() = %q, want anthropic", got)
	}
	if got := s.QueueMode(); got != QueueModeOneAtATime {
		t.Errorf("QueueMode() = %q, want %q", got, QueueModeOneAtATime)
	}
}

func TestProjectOverridesUser(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.yaml")
	projectPath := filepath.Join(dir, "project.yaml")
	writeFile(t, userPath, `
default_api: anthropic
default_model: claude-sonnet-4-5
queue_mode: all
`)
	writeFile(t, projectPath, `
default_model: gpt-5
`)

	s, err := Load(userPath, projectPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.DefaultAPI(); got != "anthropic" {
		t.Errorf("DefaultAPI() = %q, want anthropic (unset in project, should fall back to user)", got)
	}
	if got := s.DefaultModel(); got != "gpt-5" {
		t.Errorf("DefaultModel() = %q, want gpt-5 (project override)", got)
	}
	if got := s.QueueMode(); got != QueueModeAll {
		t.Errorf("QueueMode() = %q, want %q", got, QueueModeAll)
	}
}

func TestNestedObjectsMergeRecursively(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.yaml")
	projectPath := filepath.Join(dir, "project.yaml")
	writeFile(t, userPath, `
terminal:
  show_images: false
shell_path: /bin/bash
`)
	writeFile(t, projectPath, `
shell_path: /bin/zsh
`)

	s, err := Load(userPath, projectPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.ShellPath(); got != "/bin/zsh" {
		t.Errorf("ShellPath() = %q, want /bin/zsh (project override)", got)
	}
	if got := s.ShowImages(); got != false {
		t.Errorf("ShowImages() = %v, want false (user value, project silent on this key)", got)
	}
}

func TestShowImagesDefaultsTrue(t *testing.T) {
	s, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.ShowImages(); got != true {
		t.Errorf("ShowImages() = %v, want true by default", got)
	}
}

func TestQueueModeFallsBackToAllWhenUnrecognized(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.yaml")
	writeFile(t, userPath, `queue_mode: bogus`)

	s, err := Load(userPath, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.QueueMode(); got != QueueModeAll {
		t.Errorf("QueueMode() = %q, want fallback to %q", got, QueueModeAll)
	}
}

func TestSetAndSave(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "project.yaml")

	s, err := Load("", projectPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.SetDefaultModel("gpt-5")
	s.SetQueueMode(QueueModeOneAtATime)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load("", projectPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.DefaultModel(); got != "gpt-5" {
		t.Errorf("after reload DefaultModel() = %q, want gpt-5", got)
	}
	if got := reloaded.QueueMode(); got != QueueModeOneAtATime {
		t.Errorf("after reload QueueMode() = %q, want %q", got, QueueModeOneAtATime)
	}
}

func TestSaveWithoutProjectPathErrors(t *testing.T) {
	s, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Save(); err == nil {
		t.Error("Save() with no project path should error")
	}
}

func TestMissingFilesAreNotErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "nope-user.yaml"), filepath.Join(dir, "nope-project.yaml"))
	if err != nil {
		t.Fatalf("Load with missing files should not error: %v", err)
	}
}

func TestEnvSubstitutionInSettingsFile(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.yaml")
	writeFile(t, userPath, `default_api: ${env://SESSIONTREE_TEST_API:-anthropic}`)

	s, err := Load(userPath, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.DefaultAPI(); got != "anthropic" {
		t.Errorf("DefaultAPI() = %q, want anthropic (env default)", got)
	}
}
