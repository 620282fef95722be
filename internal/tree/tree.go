package tree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mark3labs/sessiontree/internal/message"
	"github.com/mark3labs/sessiontree/internal/sessionerr"
)

// ProviderTriple identifies a model and its configuration.
type ProviderTriple struct {
	API             string
	ModelID         string
	ProviderOptions map[string]any
}

// BranchInfo is a derived summary of one branch.
type BranchInfo struct {
	Name         string
	HeadNodeID   uuid.UUID
	MessageCount int
	Created      time.Time
	LastModified time.Time
}

// Tree is the branching, append-only node store for one agent session. The
// zero value is not usable; construct with Create, InMemory, Open, or
// ContinueRecent.
//
// Two Trees pointing at the same log file is undefined behavior; advisory
// locking on first append is recommended for callers that need it, but is
// not implemented here.
type Tree struct {
	mu sync.RWMutex

	header Header

	nodes      map[uuid.UUID]Node
	order      []uuid.UUID
	childrenOf map[uuid.UUID][]uuid.UUID

	heads   map[string]uuid.UUID  // branch name -> head node id
	pending map[string]*uuid.UUID // branch name -> anchor id (nil = no anchor)

	activeBranch string

	agentDir        string
	filePath        string
	file            *os.File
	flushed         bool
	buffer          []any
	persistDisabled bool
}

func newTree(header Header, agentDir, filePath string, persistDisabled bool) *Tree {
	return &Tree{
		header:          header,
		nodes:           make(map[uuid.UUID]Node),
		childrenOf:      make(map[uuid.UUID][]uuid.UUID),
		heads:           make(map[string]uuid.UUID),
		pending:         make(map[string]*uuid.UUID),
		activeBranch:    header.DefaultBranch,
		agentDir:        agentDir,
		filePath:        filePath,
		persistDisabled: persistDisabled,
	}
}

// --- Constructors ---

// Create reserves a fresh tree rooted at cwd under agentDir/sessions/. The
// session directory is created eagerly (reserving the path); the log file
// itself is created lazily, on the first assistant message.
func Create(cwd, agentDir string, initialProvider *ProviderTriple) (*Tree, error) {
	sessionsDir := sessionsDirFor(agentDir, cwd)
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	header := Header{
		Type:          RecordTree,
		ID:            uuid.New(),
		Cwd:           cwd,
		Created:       time.Now().UTC(),
		DefaultBranch: DefaultBranch,
	}
	if initialProvider != nil {
		header.API = initialProvider.API
		header.ModelID = initialProvider.ModelID
		header.ProviderOptions = initialProvider.ProviderOptions
	}

	filePath := filepath.Join(sessionsDir, sessionFileName())

	t := newTree(header, agentDir, filePath, false)
	t.buffer = append(t.buffer, &header)
	return t, nil
}

// InMemory creates a tree with persistence disabled entirely.
func InMemory(cwd string, initialProvider *ProviderTriple) *Tree {
	header := Header{
		Type:          RecordTree,
		ID:            uuid.New(),
		Cwd:           cwd,
		Created:       time.Now().UTC(),
		DefaultBranch: DefaultBranch,
	}
	if initialProvider != nil {
		header.API = initialProvider.API
		header.ModelID = initialProvider.ModelID
		header.ProviderOptions = initialProvider.ProviderOptions
	}
	return newTree(header, "", "", true)
}

// Open loads an existing log file from disk.
func Open(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sessionerr.New(sessionerr.SessionFileMissing, fmt.Sprintf("session file not found: %s", path))
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var header *Header
	t := newTree(Header{}, "", path, false)

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lineNum++

		rec, err := UnmarshalRecord([]byte(line))
		if err != nil {
			continue // malformed lines are skipped silently
		}

		if lineNum == 1 {
			h, ok := rec.(*Header)
			if !ok {
				return nil, sessionerr.New(sessionerr.SessionHeaderMissing, "first record is not a tree header")
			}
			header = h
			continue
		}

		t.applyRecord(rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}
	if header == nil {
		return nil, sessionerr.New(sessionerr.SessionHeaderMissing, "session file has no header")
	}
	t.header = *header
	if t.activeBranch == "" {
		t.activeBranch = header.DefaultBranch
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session file for append: %w", err)
	}
	t.file = f
	t.flushed = true
	return t, nil
}

// applyRecord folds one loaded record into the in-memory indices. Used only
// by Open.
func (t *Tree) applyRecord(rec any) {
	switch r := rec.(type) {
	case *ActiveBranchMarker:
		t.activeBranch = r.Branch
	case Node:
		// A node whose parent is not already loaded is dropped, not
		// re-parented.
		if p := r.parentID(); p != nil {
			if _, ok := t.nodes[*p]; !ok {
				return
			}
		}
		t.indexNode(r)
	}
}

// indexNode inserts a node into the node map, child index, and branch-head
// tracking. Callers must hold the write lock (or be in single-threaded load).
func (t *Tree) indexNode(n Node) {
	t.nodes[n.nodeID()] = n
	t.order = append(t.order, n.nodeID())
	if p := n.parentID(); p != nil {
		t.childrenOf[*p] = append(t.childrenOf[*p], n.nodeID())
	}
	t.heads[n.branch()] = n.nodeID()
}

// FindRecent returns the most-recently-modified tree log under
// agentDir/sessions/<sanitized cwd>/, or ok=false if none exists.
func FindRecent(cwd, agentDir string) (path string, ok bool, err error) {
	sessionsDir := sessionsDirFor(agentDir, cwd)
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read sessions directory: %w", err)
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(sessionsDir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", false, nil
	}
	return best, true, nil
}

// ContinueRecent opens the most recently modified tree for cwd, or creates a
// fresh one if none exists.
func ContinueRecent(cwd, agentDir string, initialProvider *ProviderTriple) (*Tree, error) {
	path, ok, err := FindRecent(cwd, agentDir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Create(cwd, agentDir, initialProvider)
	}
	return Open(path)
}

// Reset abandons this tree handle and returns a fresh tree rooted in the same
// cwd. The underlying log file, if any, is left on disk untouched.
func (t *Tree) Reset(agentDir string) (*Tree, error) {
	t.mu.RLock()
	cwd := t.header.Cwd
	t.mu.RUnlock()
	return Create(cwd, agentDir, nil)
}

// --- Parent resolution ---

// resolveParent implements the parent-pointer algorithm: a pending anchor
// for the branch, consumed on use; else the branch's current head; else
// none. Callers must hold the write lock.
func (t *Tree) resolveParent(branch string) *uuid.UUID {
	if anchor, ok := t.pending[branch]; ok {
		delete(t.pending, branch)
		return anchor
	}
	if head, ok := t.heads[branch]; ok {
		h := head
		return &h
	}
	return nil
}

func (t *Tree) targetBranch(branch string) string {
	if branch != "" {
		return branch
	}
	return t.activeBranch
}

// --- Append operations ---

// AppendMessage appends a Message node. If msg.ID is a valid UUID it is
// used as the node id; otherwise a fresh id is generated.
func (t *Tree) AppendMessage(msg message.Message, branch string) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.targetBranch(branch)
	id := uuid.New()
	if msg.ID != "" {
		if parsed, err := uuid.Parse(msg.ID); err == nil {
			id = parsed
		}
	}

	n := &MessageNode{
		Base:    newBase(RecordMessage, id, t.resolveParent(target), target),
		Message: msg,
	}
	t.indexNode(n)
	if err := t.persist(n); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AppendProvider records a model/configuration switch.
func (t *Tree) AppendProvider(api, modelID string, opts map[string]any, branch string) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.targetBranch(branch)
	id := uuid.New()
	n := &ProviderNode{
		Base:            newBase(RecordProvider, id, t.resolveParent(target), target),
		API:             api,
		ModelID:         modelID,
		ProviderOptions: opts,
	}
	t.indexNode(n)
	if err := t.persist(n); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AppendSummary records a compressed stand-in for the given node ids.
func (t *Tree) AppendSummary(content string, summarizes []uuid.UUID, branch string) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.targetBranch(branch)
	id := uuid.New()
	n := &SummaryNode{
		Base:       newBase(RecordSummary, id, t.resolveParent(target), target),
		Content:    content,
		Summarizes: append([]uuid.UUID(nil), summarizes...),
	}
	t.indexNode(n)
	if err := t.persist(n); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AppendCheckpoint records a named marker for recall/navigation.
func (t *Tree) AppendCheckpoint(name string, metadata map[string]any, branch string) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.targetBranch(branch)
	id := uuid.New()
	n := &CheckpointNode{
		Base:     newBase(RecordCheckpoint, id, t.resolveParent(target), target),
		Name:     name,
		Metadata: metadata,
	}
	t.indexNode(n)
	if err := t.persist(n); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AppendCustom records an extension-slot node.
func (t *Tree) AppendCustom(subtype string, data []byte, behavior CustomBehavior, branch string) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.targetBranch(branch)
	id := uuid.New()
	n := &CustomNode{
		Base:            newBase(RecordCustom, id, t.resolveParent(target), target),
		Subtype:         subtype,
		Data:            append([]byte(nil), data...),
		ContextBehavior: behavior,
	}
	t.indexNode(n)
	if err := t.persist(n); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Merge folds fromBranch into intoBranch (default active), recording a
// narrative MergeNode. It fails with EmptyMergeSource when fromBranch has
// no nodes.
func (t *Tree) Merge(fromBranch, summary, intoBranch string) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fromHead, ok := t.heads[fromBranch]
	if !ok {
		return uuid.Nil, sessionerr.New(sessionerr.EmptyMergeSource, fmt.Sprintf("branch %q has no nodes", fromBranch))
	}

	target := t.targetBranch(intoBranch)
	id := uuid.New()
	n := &MergeNode{
		Base:       newBase(RecordMerge, id, t.resolveParent(target), target),
		Content:    summary,
		FromBranch: fromBranch,
		FromHeadID: fromHead,
	}
	t.indexNode(n)
	if err := t.persist(n); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// --- Branch operations ---

func (t *Tree) branchInUse(name string) bool {
	if _, ok := t.heads[name]; ok {
		return true
	}
	if name == t.header.DefaultBranch {
		return true
	}
	if _, ok := t.pending[name]; ok {
		return true
	}
	return false
}

// CreateBranch registers a pending branch anchored at fromNodeID (or the
// current head of the active branch, if omitted). No node is written.
func (t *Tree) CreateBranch(name string, fromNodeID *uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.branchInUse(name) {
		return sessionerr.New(sessionerr.BranchAlreadyExists, fmt.Sprintf("branch %q already exists", name))
	}

	var anchor *uuid.UUID
	if fromNodeID != nil {
		if _, ok := t.nodes[*fromNodeID]; !ok {
			return sessionerr.New(sessionerr.UnknownNode, fmt.Sprintf("node %s not found", *fromNodeID))
		}
		id := *fromNodeID
		anchor = &id
	} else if head, ok := t.heads[t.activeBranch]; ok {
		anchor = &head
	}

	t.pending[name] = anchor
	return nil
}

func (t *Tree) branchKnown(name string) bool {
	if _, ok := t.heads[name]; ok {
		return true
	}
	if name == t.header.DefaultBranch {
		return true
	}
	if _, ok := t.pending[name]; ok {
		return true
	}
	return false
}

// SwitchBranch updates the active branch and records an active-branch
// marker. Fails with UnknownBranch if name has no nodes, is not pending,
// and is not the default branch.
func (t *Tree) SwitchBranch(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.branchKnown(name) {
		return sessionerr.New(sessionerr.UnknownBranch, fmt.Sprintf("branch %q is unknown", name))
	}

	t.activeBranch = name
	marker := &ActiveBranchMarker{Type: RecordActive, Branch: name, Timestamp: time.Now()}
	return t.persist(marker)
}

// GetHeadNode returns the last node appended on branch (or the active
// branch, if omitted).
func (t *Tree) GetHeadNode(branch string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	target := branch
	if target == "" {
		target = t.activeBranch
	}
	id, ok := t.heads[target]
	if !ok {
		return nil, false
	}
	return t.nodes[id], true
}

// GetLineage returns the ordered path [root, ..., node] for id, following
// parent pointers. Returns nil if id is unknown.
func (t *Tree) GetLineage(id uuid.UUID) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lineageLocked(id)
}

func (t *Tree) lineageLocked(id uuid.UUID) []Node {
	var path []Node
	visited := make(map[uuid.UUID]bool)
	current := id
	hasCurrent := true
	for hasCurrent {
		if visited[current] {
			break
		}
		visited[current] = true
		n, ok := t.nodes[current]
		if !ok {
			break
		}
		path = append(path, n)
		p := n.parentID()
		if p == nil {
			hasCurrent = false
		} else {
			current = *p
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// GetChildren returns the direct children of id.
func (t *Tree) GetChildren(id uuid.UUID) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.childrenOf[id]
	out := make([]Node, 0, len(ids))
	for _, cid := range ids {
		out = append(out, t.nodes[cid])
	}
	return out
}

// LastProvider resolves the provider triple in effect at branch's head:
// the most recent Provider node on its lineage, else the Header's initial
// provider if complete, else none.
func (t *Tree) LastProvider(branch string) (ProviderTriple, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	target := branch
	if target == "" {
		target = t.activeBranch
	}
	if head, ok := t.heads[target]; ok {
		lineage := t.lineageLocked(head)
		for i := len(lineage) - 1; i >= 0; i-- {
			if p, ok := lineage[i].(*ProviderNode); ok {
				return ProviderTriple{API: p.API, ModelID: p.ModelID, ProviderOptions: p.ProviderOptions}, true
			}
		}
	}
	if t.header.API != "" && t.header.ModelID != "" {
		return ProviderTriple{API: t.header.API, ModelID: t.header.ModelID, ProviderOptions: t.header.ProviderOptions}, true
	}
	return ProviderTriple{}, false
}

// ListBranches returns BranchInfo for every known branch (having nodes or
// being the default branch).
func (t *Tree) ListBranches() []BranchInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	var out []BranchInfo
	for name, headID := range t.heads {
		seen[name] = true
		out = append(out, t.branchInfoLocked(name, headID))
	}
	if !seen[t.header.DefaultBranch] {
		out = append(out, BranchInfo{Name: t.header.DefaultBranch})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tree) branchInfoLocked(name string, headID uuid.UUID) BranchInfo {
	info := BranchInfo{Name: name, HeadNodeID: headID}
	var created, modified time.Time
	for _, n := range t.lineageLocked(headID) {
		if n.branch() != name {
			continue
		}
		if _, ok := n.(*MessageNode); ok {
			info.MessageCount++
		}
		ts := n.timestamp()
		if created.IsZero() || ts.Before(created) {
			created = ts
		}
		if ts.After(modified) {
			modified = ts
		}
	}
	info.Created = created
	info.LastModified = modified
	return info
}

// --- Introspection ---

// Header returns a copy of the tree's header.
func (t *Tree) Header() Header {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.header
}

// ActiveBranch returns the current active branch name.
func (t *Tree) ActiveBranch() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeBranch
}

// FilePath returns the log file path, or "" for in-memory trees.
func (t *Tree) FilePath() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filePath
}

// IsFlushed reports whether the lazy-persistence threshold has been crossed.
func (t *Tree) IsFlushed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flushed
}

// Close closes the underlying file handle, if any.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		err := t.file.Close()
		t.file = nil
		return err
	}
	return nil
}

// --- Persistence ---

// persist buffers rec until the lazy-flush threshold is crossed, or writes
// it directly once flushed. Callers must hold the write lock.
func (t *Tree) persist(rec any) error {
	if t.persistDisabled {
		return nil
	}
	if t.flushed {
		return t.writeRecord(rec)
	}
	t.buffer = append(t.buffer, rec)
	if isAssistantMessage(rec) {
		return t.flush()
	}
	return nil
}

func isAssistantMessage(rec any) bool {
	n, ok := rec.(*MessageNode)
	return ok && n.Message.Role == message.RoleAssistant
}

func (t *Tree) flush() error {
	f, err := os.Create(t.filePath)
	if err != nil {
		return sessionerr.Wrap(sessionerr.PersistenceIoError, "create session file", err)
	}
	t.file = f
	for _, rec := range t.buffer {
		if err := t.writeRecord(rec); err != nil {
			return err
		}
	}
	t.buffer = nil
	t.flushed = true
	return nil
}

func (t *Tree) writeRecord(rec any) error {
	data, err := MarshalRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := t.file.Write(data); err != nil {
		return sessionerr.Wrap(sessionerr.PersistenceIoError, "write session record", err)
	}
	return nil
}

// --- Path conventions ---

func sessionsDirFor(agentDir, cwd string) string {
	return filepath.Join(agentDir, "sessions", sanitizeCwd(cwd))
}

// sanitizeCwd drops the leading path separator, replaces remaining path
// separators and colons with dashes, and wraps the result in "--...--".
func sanitizeCwd(cwd string) string {
	s := strings.TrimPrefix(cwd, string(filepath.Separator))
	s = strings.Map(func(r rune) rune {
		switch r {
		case filepath.Separator, ':':
			return '-'
		default:
			return r
		}
	}, s)
	return "--" + s + "--"
}

func sessionFileName() string {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05-000Z")
	return fmt.Sprintf("%s_%s.jsonl", ts, uuid.New().String())
}
