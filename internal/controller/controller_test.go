package controller

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mark3labs/sessiontree/internal/compaction"
	"github.com/mark3labs/sessiontree/internal/message"
	"github.com/mark3labs/sessiontree/internal/provider"
	"github.com/mark3labs/sessiontree/internal/sessionerr"
	"github.com/mark3labs/sessiontree/internal/tree"
)

// alwaysResolver is a permissive APIKeyResolver test double: every provider
// family except "unknown-provider" resolves a key, so tests never depend on
// real environment state.
type alwaysResolver struct{}

func (alwaysResolver) GetAPIKeyFromEnv(api string) (string, bool) {
	if api == "unknown-provider" {
		return "", false
	}
	return "test-key", true
}

func newTestController(t *testing.T, conv Conversation) (*Controller, *tree.Tree) {
	t.Helper()
	tr := tree.InMemory(t.TempDir(), &tree.ProviderTriple{API: "anthropic", ModelID: "claude-sonnet-4-5"})
	c := New(tr, conv, nil, provider.NewStaticRegistry(), alwaysResolver{}, t.TempDir())
	return c, tr
}

// --------------------------------------------------------------------------
// S5 — Queue dequeue ordering
// --------------------------------------------------------------------------

func TestQueueDequeueOrdering(t *testing.T) {
	conv := NewStubConversation()
	c, tr := newTestController(t, conv)

	var sawQueuedCountAtStart int
	var sawUserMessageAtEnd bool
	unsub := c.Subscribe(func(e Event) {
		switch ev := e.(type) {
		case MessageStartEvent:
			if ev.Role == string(message.RoleUser) {
				sawQueuedCountAtStart = c.QueuedCount()
			}
		case MessageEndEvent:
			if ev.Message.Role == message.RoleUser && ev.Message.Content() == "Q1" {
				sawUserMessageAtEnd = true
			}
		}
	})
	defer unsub()

	if err := c.Queue(context.Background(), "Q1"); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if got := c.QueuedCount(); got != 1 {
		t.Fatalf("QueuedCount before prompt = %d, want 1", got)
	}

	if err := c.Prompt(context.Background(), "Q1", nil); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	if sawQueuedCountAtStart != 0 {
		t.Errorf("queued_count at message_start = %d, want 0 (dequeue-before-emit)", sawQueuedCountAtStart)
	}
	if !sawUserMessageAtEnd {
		t.Error("listener never observed message_end for the user message")
	}

	head, ok := tr.GetHeadNode("")
	if !ok {
		t.Fatal("tree has no head node after prompt")
	}
	lineage := tr.GetLineage(headNodeID(head))
	userNodes := 0
	for _, n := range lineage {
		if mn, ok := n.(*tree.MessageNode); ok && mn.Message.Role == message.RoleUser {
			userNodes++
		}
	}
	if userNodes != 1 {
		t.Errorf("tree has %d user message nodes, want 1", userNodes)
	}
}

// headNodeID extracts a node's id. tree.Node exposes no public id accessor,
// so tests recover it via a type switch over the concrete node variants.
func headNodeID(n tree.Node) uuid.UUID {
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

// --------------------------------------------------------------------------
// S6 — Branch-switch aborts in flight
// --------------------------------------------------------------------------

func TestBranchSwitchAbortsInFlight(t *testing.T) {
	conv := NewStubConversation()
	c, tr := newTestController(t, conv)

	if err := tr.CreateBranch("feature", nil); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	started := make(chan struct{})
	var updatesAfterAbort int
	conv.Script = func(ctx context.Context, text string, emit func(Event)) message.Message {
		emit(MessageStartEvent{Role: string(message.RoleAssistant)})
		emit(MessageUpdateEvent{Chunk: "partial"})
		close(started)
		<-conv.AbortSignal()
		reason := message.StopReasonAborted
		return message.Message{
			Role:       message.RoleAssistant,
			Parts:      []message.ContentPart{message.TextContent{Text: "partial"}},
			StopReason: reason,
		}
	}

	unsub := c.Subscribe(func(e Event) {
		if _, ok := e.(MessageUpdateEvent); ok {
			select {
			case <-started:
				if conv.Aborted() {
					updatesAfterAbort++
				}
			default:
			}
		}
	})
	defer unsub()

	promptDone := make(chan error, 1)
	go func() {
		promptDone <- c.Prompt(context.Background(), "stream this", nil)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stub to start streaming")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.SwitchBranch(ctx, "feature", nil); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}

	select {
	case err := <-promptDone:
		if err != nil {
			t.Fatalf("Prompt returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt goroutine never returned after SwitchBranch")
	}

	if !conv.Aborted() {
		t.Error("expected the conversation to have been aborted before SwitchBranch returned")
	}
	if got := tr.ActiveBranch(); got != "feature" {
		t.Errorf("ActiveBranch() = %q, want feature", got)
	}
	if updatesAfterAbort != 0 {
		t.Errorf("listener observed %d message_update events after abort, want 0", updatesAfterAbort)
	}
}

// --------------------------------------------------------------------------
// clear_queue / double dispose (invariants 10-11)
// --------------------------------------------------------------------------

func TestClearQueueReturnsEnqueueOrder(t *testing.T) {
	conv := NewStubConversation()
	c, _ := newTestController(t, conv)

	for _, text := range []string{"first", "second", "third"} {
		if err := c.Queue(context.Background(), text); err != nil {
			t.Fatalf("Queue(%q): %v", text, err)
		}
	}

	got := c.ClearQueue()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("ClearQueue() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ClearQueue()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if c.QueuedCount() != 0 {
		t.Errorf("QueuedCount() after ClearQueue = %d, want 0", c.QueuedCount())
	}
}

func TestDoubleDisposeIsNoop(t *testing.T) {
	conv := NewStubConversation()
	c, _ := newTestController(t, conv)

	unsub := c.Subscribe(func(Event) {})
	_ = unsub

	c.Dispose()
	c.Dispose() // must not panic or double-unsubscribe

	if c.bus.count() != 0 {
		t.Errorf("bus.count() after Dispose = %d, want 0", c.bus.count())
	}
}

// --------------------------------------------------------------------------
// Model switching preconditions
// --------------------------------------------------------------------------

func TestPromptFailsWithConfigMissingWhenNoModel(t *testing.T) {
	conv := NewStubConversation()
	tr := tree.InMemory(t.TempDir(), nil)
	c := New(tr, conv, nil, provider.NewStaticRegistry(), provider.EnvKeyResolver{}, t.TempDir())

	err := c.Prompt(context.Background(), "hello", nil)
	if err == nil {
		t.Fatal("expected an error when no model is selected")
	}
	if !sessionerr.Is(err, sessionerr.ConfigMissing) {
		t.Errorf("error = %v, want kind ConfigMissing", err)
	}
}

func TestSetModelFailsWithAuthMissingWhenNoKey(t *testing.T) {
	conv := NewStubConversation()
	c, _ := newTestController(t, conv)

	err := c.SetModel("unknown-provider", "some-model", nil)
	if err == nil {
		t.Fatal("expected an error when no API key is resolvable")
	}
	if !sessionerr.Is(err, sessionerr.AuthMissing) {
		t.Errorf("error = %v, want kind AuthMissing", err)
	}
}

// --------------------------------------------------------------------------
// Summarize
// --------------------------------------------------------------------------

func TestSummarizeNoOpWhenTooFewMessages(t *testing.T) {
	conv := NewStubConversation()
	c, tr := newTestController(t, conv)

	if _, err := tr.AppendMessage(message.Message{Role: message.RoleUser, Parts: []message.ContentPart{message.TextContent{Text: "hi"}}}, ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	result, summaryID, err := c.Summarize(context.Background(), "", nil, compaction.Options{}, "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if result != nil {
		t.Error("expected a nil result when there are too few messages to compact")
	}
	if summaryID != uuid.Nil {
		t.Error("expected no summary node to be recorded")
	}
}

func TestSummarizeNoOpWhenNoHead(t *testing.T) {
	conv := NewStubConversation()
	c, _ := newTestController(t, conv)

	result, summaryID, err := c.Summarize(context.Background(), "empty-branch", nil, compaction.Options{}, "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if result != nil || summaryID != uuid.Nil {
		t.Error("expected a no-op result when the branch has no head node")
	}
}
