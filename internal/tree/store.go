package tree

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionInfo is a discovered session summary used for listing.
type SessionInfo struct {
	Path         string
	ID           string
	Cwd          string
	Name         string
	Created      time.Time
	Modified     time.Time
	MessageCount int
	FirstMessage string
}

// ListSessions finds all tree logs for cwd under agentDir, sorted by
// modification time (newest first).
func ListSessions(cwd, agentDir string) ([]SessionInfo, error) {
	return listSessionsInDir(sessionsDirFor(agentDir, cwd))
}

// ListAllSessions finds all tree logs across every cwd under agentDir,
// sorted by modification time (newest first).
func ListAllSessions(agentDir string) ([]SessionInfo, error) {
	root := filepath.Join(agentDir, "sessions")
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	var all []SessionInfo
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		sessions, err := listSessionsInDir(filepath.Join(root, dir.Name()))
		if err != nil {
			continue // skip unreadable directories
		}
		all = append(all, sessions...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Modified.After(all[j].Modified) })
	return all, nil
}

func listSessionsInDir(dir string) ([]SessionInfo, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := extractSessionInfo(path)
		if err != nil {
			continue // skip malformed session files
		}
		sessions = append(sessions, *info)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Modified.After(sessions[j].Modified) })
	return sessions, nil
}

// extractSessionInfo reads enough of a tree log to summarize it: the
// header, a message count, the last-seen timestamp, and a preview of the
// first user message.
func extractSessionInfo(path string) (*SessionInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info := &SessionInfo{Path: path}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	var lastTimestamp time.Time

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lineNum++

		if lineNum == 1 {
			var h Header
			if err := json.Unmarshal([]byte(line), &h); err != nil {
				return nil, fmt.Errorf("parse header: %w", err)
			}
			if h.Type != RecordTree {
				return nil, fmt.Errorf("first line is not a tree header")
			}
			info.ID = h.ID.String()
			info.Cwd = h.Cwd
			info.Created = h.Created
			info.Modified = h.Created
			continue
		}

		var env struct {
			Type      RecordType      `json:"type"`
			Timestamp time.Time       `json:"timestamp"`
			Message   json.RawMessage `json:"message,omitempty"`
		}
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue // malformed lines are skipped silently
		}

		if !env.Timestamp.IsZero() && env.Timestamp.After(lastTimestamp) {
			lastTimestamp = env.Timestamp
		}

		if env.Type == RecordMessage {
			info.MessageCount++
			if info.FirstMessage == "" {
				info.FirstMessage = extractTextPreview(env.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}

	if !lastTimestamp.IsZero() {
		info.Modified = lastTimestamp
	}
	if info.Modified.IsZero() {
		if fi, err := os.Stat(path); err == nil {
			info.Modified = fi.ModTime()
		}
	}

	return info, nil
}

// extractTextPreview pulls a short preview out of a raw message's
// type-tagged parts, if the message has a user-role text part.
func extractTextPreview(raw json.RawMessage) string {
	var msg struct {
		Role  string `json:"role"`
		Parts []struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		} `json:"parts"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	if msg.Role != "user" {
		return ""
	}
	for _, p := range msg.Parts {
		if p.Type != "text" {
			continue
		}
		var text struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p.Data, &text); err == nil && text.Text != "" {
			preview := text.Text
			if len(preview) > 100 {
				preview = preview[:100] + "..."
			}
			return preview
		}
	}
	return ""
}

// DeleteSession removes a session log from disk.
func DeleteSession(path string) error {
	return os.Remove(path)
}
