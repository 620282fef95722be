// Package controller implements the Session Controller: it wraps a Tree, a
// Conversation (external model driver), and a Settings handle, multiplexing
// Conversation events into the Tree while fanning them out to listeners.
package controller

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"charm.land/fantasy"

	"github.com/mark3labs/sessiontree/internal/compaction"
	"github.com/mark3labs/sessiontree/internal/message"
	"github.com/mark3labs/sessiontree/internal/provider"
	"github.com/mark3labs/sessiontree/internal/sessionerr"
	"github.com/mark3labs/sessiontree/internal/settings"
	"github.com/mark3labs/sessiontree/internal/tree"
)

// Thinking levels accepted by UpdateThinkingLevel.
const (
	ThinkingLow  = "low"
	ThinkingHigh = "high"
)

// connState tracks the controller-level state machine: Disconnected,
// Connected, Swapping (during reset/switch_*).
type connState int

const (
	disconnected connState = iota
	connected
	swapping
)

// SessionStats is the aggregate produced by SessionStats(): per-role counts,
// tool-call/result counts, token totals, and cost, computed from the live
// Conversation message list (not the Tree).
type SessionStats struct {
	SessionID         string
	Cwd               string
	ActiveBranch      string
	UserMessages      int
	AssistantMessages int
	ToolCalls         int
	ToolResults       int
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheWriteTokens  int
	TotalTokens       int
	TotalCost         float64
}

// Controller is the operational facade wrapping a Tree and a Conversation.
// The zero value is not usable; construct with New.
type Controller struct {
	mu sync.Mutex

	tr       *tree.Tree
	conv     Conversation
	settings *settings.Settings
	registry provider.Registry
	keys     provider.APIKeyResolver
	agentDir string

	bus       *eventBus
	queue     []string
	connUnsub func()
	st        connState
}

// New builds a Controller over an already-constructed Tree and Conversation.
// settings/registry may be nil if the caller never needs the operations that
// consult them (ChangeModel's defaulting, SwitchSession's model validation).
func New(tr *tree.Tree, conv Conversation, st *settings.Settings, registry provider.Registry, keys provider.APIKeyResolver, agentDir string) *Controller {
	return &Controller{
		tr:       tr,
		conv:     conv,
		settings: st,
		registry: registry,
		keys:     keys,
		agentDir: agentDir,
		bus:      newEventBus(),
	}
}

// --------------------------------------------------------------------------
// Subscribe / dispose
// --------------------------------------------------------------------------

// Subscribe registers a listener and, on first subscription, connects to the
// Conversation's event stream. Returns an unsubscribe function.
func (c *Controller) Subscribe(l Listener) func() {
	c.mu.Lock()
	unsub := c.bus.subscribe(l)
	if c.st == disconnected {
		c.connectLocked()
	}
	c.mu.Unlock()
	return unsub
}

// Dispose drops all listeners and disconnects from the Conversation.
// Idempotent.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == disconnected {
		return
	}
	c.disconnectLocked()
	c.bus.clear()
	c.st = disconnected
}

// connectLocked subscribes to the Conversation's event stream. Callers must
// hold mu.
func (c *Controller) connectLocked() {
	c.connUnsub = c.conv.Subscribe(c.handleEvent)
	c.st = connected
}

// disconnectLocked tears down the event-pump link, if any. Callers must hold
// mu.
func (c *Controller) disconnectLocked() {
	if c.connUnsub != nil {
		c.connUnsub()
		c.connUnsub = nil
	}
}

// beginSwap tears down the event link (if currently connected) and enters
// the Swapping state. Returns whether a reconnect is owed once the swap
// completes.
func (c *Controller) beginSwap() bool {
	c.mu.Lock()
	wasConnected := c.st == connected
	if wasConnected {
		c.disconnectLocked()
		c.st = swapping
	}
	c.mu.Unlock()
	return wasConnected
}

// endSwap restores the Connected state if the controller was connected
// before the swap began.
func (c *Controller) endSwap(wasConnected bool) {
	if !wasConnected {
		return
	}
	c.mu.Lock()
	c.connectLocked()
	c.mu.Unlock()
}

// --------------------------------------------------------------------------
// Event handler — the critical algorithm
// --------------------------------------------------------------------------

// handleEvent is the single handler that processes every Conversation event
// before any user listener. Ordering is load-bearing: dequeue-before-emit,
// persist-after-emit.
func (c *Controller) handleEvent(e Event) {
	c.mu.Lock()
	if ms, ok := e.(MessageStartEvent); ok && ms.Role == string(message.RoleUser) {
		if len(c.queue) > 0 && c.queue[0] == ms.UserText {
			c.queue = c.queue[1:]
		}
	}
	tr := c.tr
	c.mu.Unlock()

	c.bus.emit(e)

	if me, ok := e.(MessageEndEvent); ok {
		if _, err := tr.AppendMessage(me.Message, ""); err != nil {
			// Per spec §7, persistence errors on the event handler's own
			// append are logged rather than propagated: there is no caller
			// awaiting this callback.
			fmt.Fprintf(os.Stderr, "sessiontree: failed to persist message: %v\n", err)
		}
	}
}

// --------------------------------------------------------------------------
// Prompt / queue / abort
// --------------------------------------------------------------------------

// Prompt validates a model is selected and its API key resolvable, then
// forwards to the Conversation.
func (c *Controller) Prompt(ctx context.Context, text string, attachments []message.ContentPart) error {
	triple, err := c.currentProvider()
	if err != nil {
		return err
	}
	if _, ok := c.keys.GetAPIKeyFromEnv(triple.API); !ok {
		return sessionerr.New(sessionerr.AuthMissing, fmt.Sprintf("no API key for provider %q", triple.API))
	}
	return c.conv.Prompt(ctx, text, attachments)
}

// Queue pushes text onto the internal queue and asks the Conversation to
// enqueue the corresponding user message. The two queues are kept in sync by
// handleEvent's dequeue-before-emit step.
func (c *Controller) Queue(ctx context.Context, text string) error {
	c.mu.Lock()
	c.queue = append(c.queue, text)
	c.mu.Unlock()

	msg := message.Message{
		Role:  message.RoleUser,
		Parts: []message.ContentPart{message.TextContent{Text: text}},
	}
	return c.conv.QueueMessage(ctx, msg)
}

// ClearQueue returns and clears the internal queue, and clears the
// Conversation's queue too.
func (c *Controller) ClearQueue() []string {
	c.mu.Lock()
	out := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.conv.ClearMessageQueue()
	return out
}

// QueuedCount reports the number of entries waiting in the internal queue.
func (c *Controller) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Abort requests the Conversation to stop streaming and waits for it to
// report idle. Completes even when no work is in flight.
func (c *Controller) Abort(ctx context.Context) error {
	c.conv.Abort()
	return c.conv.WaitForIdle(ctx)
}

// --------------------------------------------------------------------------
// Model switching
// --------------------------------------------------------------------------

// SetModel validates the API key, calls Conversation.SetProvider, and
// appends a Provider node to the Tree.
func (c *Controller) SetModel(api, modelID string, opts map[string]any) error {
	if _, ok := c.keys.GetAPIKeyFromEnv(api); !ok {
		return sessionerr.New(sessionerr.AuthMissing, fmt.Sprintf("no API key for provider %q", api))
	}

	triple := tree.ProviderTriple{API: api, ModelID: modelID, ProviderOptions: opts}
	if err := c.conv.SetProvider(triple); err != nil {
		return err
	}

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	_, err := tr.AppendProvider(api, modelID, opts, "")
	return err
}

// ChangeModel is SetModel with defaulted options: when opts is nil and
// settings are present, it uses the default_provider_options setting. That
// setting is a single value; it is not selected by the model's API family.
func (c *Controller) ChangeModel(api, modelID string, opts map[string]any) error {
	if opts == nil && c.settings != nil {
		opts = c.settings.DefaultProviderOptions()
	}
	return c.SetModel(api, modelID, opts)
}

// UpdateThinkingLevel merges a reasoning-effort level into the current
// model's options, using the API-family-specific key, then delegates to
// SetModel. Fails with UnsupportedOperation for API families that don't
// support it.
func (c *Controller) UpdateThinkingLevel(level string) error {
	triple, err := c.currentProvider()
	if err != nil {
		return err
	}

	opts := cloneOptions(triple.ProviderOptions)
	switch triple.API {
	case "openai":
		opts["reasoning"] = map[string]any{"effort": level}
	case "google":
		opts["thinkingConfig"] = map[string]any{"thinkingLevel": level}
	default:
		return sessionerr.New(sessionerr.UnsupportedOperation, fmt.Sprintf("thinking level not supported for provider %q", triple.API))
	}

	return c.SetModel(triple.API, triple.ModelID, opts)
}

func cloneOptions(opts map[string]any) map[string]any {
	out := make(map[string]any, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	return out
}

// currentProvider returns the provider triple in effect for the active
// branch, or ConfigMissing if none is selected.
func (c *Controller) currentProvider() (tree.ProviderTriple, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	triple, ok := tr.LastProvider("")
	if !ok {
		return tree.ProviderTriple{}, sessionerr.New(sessionerr.ConfigMissing, "no model selected")
	}
	return triple, nil
}

// --------------------------------------------------------------------------
// Queue mode
// --------------------------------------------------------------------------

// SetQueueMode forwards mode to the Conversation and persists it via
// Settings.
func (c *Controller) SetQueueMode(mode string) {
	c.conv.SetQueueMode(mode)
	if c.settings != nil {
		c.settings.SetQueueMode(mode)
	}
}

// GetQueueMode returns the Conversation's current queue mode.
func (c *Controller) GetQueueMode() string {
	return c.conv.GetQueueMode()
}

// --------------------------------------------------------------------------
// Session / branch switching
// --------------------------------------------------------------------------

// SwitchSession disconnects, aborts in-flight work, clears the queue, opens
// the tree at path, restores the Conversation's message list and provider
// from it, then reconnects.
func (c *Controller) SwitchSession(ctx context.Context, path string) error {
	wasConnected := c.beginSwap()
	defer c.endSwap(wasConnected)

	if err := c.Abort(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()
	c.conv.ClearMessageQueue()

	newTree, err := tree.Open(path)
	if err != nil {
		return err
	}

	c.conv.ReplaceMessages(newTree.BuildContext(newTree.ActiveBranch(), tree.Full))

	if triple, ok := newTree.LastProvider(""); ok {
		if c.registry != nil {
			if _, known := c.registry.GetModel(triple.API, triple.ModelID); !known {
				return sessionerr.New(sessionerr.ConfigMissing, fmt.Sprintf("unknown model %s/%s", triple.API, triple.ModelID))
			}
		}
		if err := c.conv.SetProvider(triple); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.tr = newTree
	c.mu.Unlock()
	return nil
}

// SwitchBranch disconnects, aborts in-flight work, clears the queue,
// switches the Tree's active branch, asks the Conversation to replace its
// messages with the projected context (Full if strategy is nil), then
// reconnects.
func (c *Controller) SwitchBranch(ctx context.Context, name string, strategy tree.Strategy) error {
	wasConnected := c.beginSwap()
	defer c.endSwap(wasConnected)

	if err := c.Abort(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.queue = nil
	tr := c.tr
	c.mu.Unlock()
	c.conv.ClearMessageQueue()

	if err := tr.SwitchBranch(name); err != nil {
		return err
	}

	if strategy == nil {
		strategy = tree.Full
	}
	c.conv.ReplaceMessages(tr.BuildContext(name, strategy))
	return nil
}

// BranchAndSwitch creates a branch and switches to it, returning the
// resulting BranchInfo.
func (c *Controller) BranchAndSwitch(ctx context.Context, name string, fromNodeID *uuid.UUID) (tree.BranchInfo, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	if err := tr.CreateBranch(name, fromNodeID); err != nil {
		return tree.BranchInfo{}, err
	}
	if err := c.SwitchBranch(ctx, name, nil); err != nil {
		return tree.BranchInfo{}, err
	}
	for _, b := range tr.ListBranches() {
		if b.Name == name {
			return b, nil
		}
	}
	return tree.BranchInfo{Name: name}, nil
}

// CreateBranch delegates to the Tree.
func (c *Controller) CreateBranch(name string, fromNodeID *uuid.UUID) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	return tr.CreateBranch(name, fromNodeID)
}

// MergeBranch delegates to the Tree.
func (c *Controller) MergeBranch(fromBranch, summary string) (uuid.UUID, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	return tr.Merge(fromBranch, summary, "")
}

// CreateSummary delegates to the Tree.
func (c *Controller) CreateSummary(content string, nodeIDs []uuid.UUID) (uuid.UUID, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	return tr.AppendSummary(content, nodeIDs, "")
}

// Summarize runs the token-budget compaction pass over branch's projected
// Full context, using model to produce the summary text, then records it as
// a SummaryNode covering every Message node it replaced. CreateSummary does
// not go through it, and nothing in this package calls it automatically.
// It records nothing and returns a nil *compaction.Result when the branch has
// no head or compaction.Compact finds no cut (fewer than three Message nodes
// on the lineage); otherwise Compact forces a cut even when nothing exceeds
// the budget and calls model, so model must be non-nil.
func (c *Controller) Summarize(ctx context.Context, branch string, model fantasy.LanguageModel, opts compaction.Options, customInstructions string) (*compaction.Result, uuid.UUID, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	target := branch
	if target == "" {
		target = tr.ActiveBranch()
	}
	head, ok := tr.GetHeadNode(target)
	if !ok {
		return nil, uuid.Nil, nil
	}
	lineage := tr.GetLineage(nodeID(head))

	var ids []uuid.UUID
	var msgs []message.Message
	for _, n := range lineage {
		mn, ok := n.(*tree.MessageNode)
		if !ok {
			continue
		}
		ids = append(ids, mn.ID)
		msgs = append(msgs, mn.Message)
	}

	result, _, err := compaction.Compact(ctx, model, msgs, opts, customInstructions)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if result == nil {
		return nil, uuid.Nil, nil
	}

	summaryID, err := tr.AppendSummary(result.Summary, ids[:result.MessagesRemoved], target)
	if err != nil {
		return result, uuid.Nil, err
	}
	return result, summaryID, nil
}

// nodeID extracts a node's id via a type switch; tree.Node exposes no public
// id accessor beyond the concrete variants.
func nodeID(n tree.Node) uuid.UUID {
	switch v := n.(type) {
	case *tree.MessageNode:
		return v.ID
	case *tree.ProviderNode:
		return v.ID
	case *tree.SummaryNode:
		return v.ID
	case *tree.MergeNode:
		return v.ID
	case *tree.CheckpointNode:
		return v.ID
	case *tree.CustomNode:
		return v.ID
	}
	return uuid.Nil
}

// CreateCheckpoint delegates to the Tree.
func (c *Controller) CreateCheckpoint(name string, metadata map[string]any) (uuid.UUID, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	return tr.AppendCheckpoint(name, metadata, "")
}

// --------------------------------------------------------------------------
// Reset
// --------------------------------------------------------------------------

// Reset disconnects, aborts in-flight work, resets the Conversation, swaps
// in a fresh Tree (preserving cwd), re-records the current provider on the
// new tree, clears the queue, and reconnects. Listeners are preserved.
func (c *Controller) Reset(ctx context.Context) (bool, error) {
	wasConnected := c.beginSwap()
	defer c.endSwap(wasConnected)

	if err := c.Abort(ctx); err != nil {
		return false, err
	}

	c.mu.Lock()
	oldTree := c.tr
	c.mu.Unlock()

	triple, hadProvider := oldTree.LastProvider("")

	if err := c.conv.Reset(); err != nil {
		return false, err
	}

	newTree, err := oldTree.Reset(c.agentDir)
	if err != nil {
		return false, err
	}

	if hadProvider {
		if _, err := newTree.AppendProvider(triple.API, triple.ModelID, triple.ProviderOptions, ""); err != nil {
			return false, err
		}
		if err := c.conv.SetProvider(triple); err != nil {
			return false, err
		}
	}

	c.mu.Lock()
	c.tr = newTree
	c.queue = nil
	c.mu.Unlock()
	c.conv.ClearMessageQueue()

	return true, nil
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// SessionStats walks the Conversation's in-memory message list (not the
// Tree) and aggregates per-role counts, tool-call/result counts, token
// totals, and cost.
func (c *Controller) SessionStats() SessionStats {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	header := tr.Header()
	stats := SessionStats{
		SessionID:    header.ID.String(),
		Cwd:          header.Cwd,
		ActiveBranch: tr.ActiveBranch(),
	}

	for _, m := range c.conv.State().Messages {
		switch m.Role {
		case message.RoleUser:
			stats.UserMessages++
		case message.RoleAssistant:
			stats.AssistantMessages++
			stats.ToolCalls += len(m.ToolCalls())
		case message.RoleTool:
			stats.ToolResults += len(m.ToolResults())
		}
		stats.InputTokens += m.Usage.InputTokens
		stats.OutputTokens += m.Usage.OutputTokens
		stats.CacheReadTokens += m.Usage.CacheReadTokens
		stats.CacheWriteTokens += m.Usage.CacheWriteTokens
		stats.TotalCost += m.Cost
	}
	stats.TotalTokens = stats.InputTokens + stats.OutputTokens + stats.CacheReadTokens + stats.CacheWriteTokens

	return stats
}
