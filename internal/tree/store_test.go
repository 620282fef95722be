package tree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/sessiontree/internal/message"
)

// mustFlushedTree creates a tree under agentDir and appends a user message
// followed by an assistant message, crossing the lazy-persistence threshold
// so a .jsonl file actually lands on disk.
func mustFlushedTree(t *testing.T, agentDir, cwd string) *Tree {
	t.Helper()
	tr, err := Create(cwd, agentDir, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tr.AppendMessage(message.Message{
		Role:  message.RoleUser,
		Parts: []message.ContentPart{message.TextContent{Text: "hello there, this is the first user message"}},
	}, ""); err != nil {
		t.Fatalf("AppendMessage user: %v", err)
	}
	if tr.IsFlushed() {
		t.Fatal("tree should not flush before the first assistant message")
	}
	if _, err := tr.AppendMessage(message.Message{
		Role:  message.RoleAssistant,
		Parts: []message.ContentPart{message.TextContent{Text: "hi!"}},
	}, ""); err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}
	if !tr.IsFlushed() {
		t.Fatal("tree should flush once an assistant message is appended")
	}
	return tr
}

func TestListSessionsFindsFlushedTree(t *testing.T) {
	agentDir := t.TempDir()
	tr := mustFlushedTree(t, agentDir, "/work/project")
	defer tr.Close()

	sessions, err := ListSessions("/work/project", agentDir)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	if sessions[0].Path != tr.FilePath() {
		t.Errorf("Path = %q, want %q", sessions[0].Path, tr.FilePath())
	}
	if sessions[0].Cwd != "/work/project" {
		t.Errorf("Cwd = %q, want /work/project", sessions[0].Cwd)
	}
	if sessions[0].MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", sessions[0].MessageCount)
	}
	if sessions[0].FirstMessage != "hello there, this is the first user message" {
		t.Errorf("FirstMessage = %q, want the first user message text", sessions[0].FirstMessage)
	}
}

func TestListSessionsIgnoresUnflushedTree(t *testing.T) {
	agentDir := t.TempDir()
	tr, err := Create("/work/project", agentDir, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()
	if _, err := tr.AppendMessage(message.Message{
		Role:  message.RoleUser,
		Parts: []message.ContentPart{message.TextContent{Text: "never flushed"}},
	}, ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	sessions, err := ListSessions("/work/project", agentDir)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("len(sessions) = %d, want 0 before any flush", len(sessions))
	}
}

func TestListSessionsEmptyWhenDirMissing(t *testing.T) {
	sessions, err := ListSessions("/nope", t.TempDir())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if sessions != nil {
		t.Errorf("sessions = %v, want nil", sessions)
	}
}

func TestListAllSessionsAcrossCwds(t *testing.T) {
	agentDir := t.TempDir()
	tr1 := mustFlushedTree(t, agentDir, "/work/project-a")
	defer tr1.Close()
	time.Sleep(2 * time.Millisecond)
	tr2 := mustFlushedTree(t, agentDir, "/work/project-b")
	defer tr2.Close()

	sessions, err := ListAllSessions(agentDir)
	if err != nil {
		t.Fatalf("ListAllSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if sessions[0].Cwd != "/work/project-b" {
		t.Errorf("sessions[0].Cwd = %q, want the most recently modified session first", sessions[0].Cwd)
	}
}

func TestListAllSessionsEmptyWhenAgentDirMissing(t *testing.T) {
	sessions, err := ListAllSessions(filepath.Join(t.TempDir(), "never-created"))
	if err != nil {
		t.Fatalf("ListAllSessions: %v", err)
	}
	if sessions != nil {
		t.Errorf("sessions = %v, want nil", sessions)
	}
}

func TestListAllSessionsSkipsNonDirectoryEntries(t *testing.T) {
	agentDir := t.TempDir()
	tr := mustFlushedTree(t, agentDir, "/work/project")
	defer tr.Close()

	// A stray file directly under sessions/ (not a directory) should be
	// skipped rather than crashing the walk.
	if err := os.WriteFile(filepath.Join(agentDir, "sessions", "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	sessions, err := ListAllSessions(agentDir)
	if err != nil {
		t.Fatalf("ListAllSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
}

func TestExtractSessionInfoMalformedHeaderFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"message"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := extractSessionInfo(path); err == nil {
		t.Fatal("expected an error when the first line is not a tree header")
	}
}

func TestListSessionsSkipsMalformedFiles(t *testing.T) {
	agentDir := t.TempDir()
	dir := sessionsDirFor(agentDir, "/work/project")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "garbage.jsonl"), []byte("not json\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sessions, err := ListSessions("/work/project", agentDir)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("len(sessions) = %d, want 0 for a directory containing only a malformed file", len(sessions))
	}
}

func TestExtractTextPreviewTruncatesLongText(t *testing.T) {
	long := ""
	for i := 0; i < 150; i++ {
		long += "a"
	}
	raw := []byte(`{"role":"user","parts":[{"type":"text","data":{"text":"` + long + `"}}]}`)
	preview := extractTextPreview(raw)
	if len(preview) != 103 {
		t.Fatalf("len(preview) = %d, want 103 (100 chars + ...)", len(preview))
	}
	if preview[100:] != "..." {
		t.Errorf("preview suffix = %q, want ...", preview[100:])
	}
}

func TestExtractTextPreviewIgnoresNonUserRole(t *testing.T) {
	raw := []byte(`{"role":"assistant","parts":[{"type":"text","data":{"text":"hi"}}]}`)
	if preview := extractTextPreview(raw); preview != "" {
		t.Errorf("preview = %q, want empty for a non-user message", preview)
	}
}

func TestExtractTextPreviewIgnoresNonTextParts(t *testing.T) {
	raw := []byte(`{"role":"user","parts":[{"type":"tool_call","data":{}}]}`)
	if preview := extractTextPreview(raw); preview != "" {
		t.Errorf("preview = %q, want empty when there is no text part", preview)
	}
}

func TestDeleteSessionRemovesFile(t *testing.T) {
	agentDir := t.TempDir()
	tr := mustFlushedTree(t, agentDir, "/work/project")
	path := tr.FilePath()
	tr.Close()

	if err := DeleteSession(path); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected the session file to be removed, stat err = %v", err)
	}
}

func TestDeleteSessionMissingFileFails(t *testing.T) {
	if err := DeleteSession(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Fatal("expected an error deleting a nonexistent session file")
	}
}
