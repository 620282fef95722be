package controller

import (
	"context"
	"sync"

	"github.com/mark3labs/sessiontree/internal/message"
	"github.com/mark3labs/sessiontree/internal/tree"
)

// StubConversation is a deterministic, synchronous Conversation test double.
// By default Prompt emits a minimal user/assistant exchange directly to
// subscribers with no goroutines or timers, so tests can assert event
// ordering without sleeping or polling. Script, if set, overrides the
// assistant-turn portion of Prompt for scenarios that need streaming
// updates or an abort race.
type StubConversation struct {
	mu sync.Mutex

	messages    []message.Message
	provider    tree.ProviderTriple
	queueMode   string
	streaming   bool
	aborted     bool
	listeners   map[int]func(Event)
	nextID      int
	queuedTexts []string

	resetErr       error
	setProviderErr error
	abortCh        chan struct{}

	// Script, if non-nil, replaces the default assistant-turn behavior. It
	// receives an emit func to send events and must return the finalized
	// assistant message.
	Script func(ctx context.Context, text string, emit func(Event)) message.Message
}

// NewStubConversation returns an idle stub with QueueModeAll.
func NewStubConversation() *StubConversation {
	return &StubConversation{
		listeners: make(map[int]func(Event)),
		queueMode: QueueModeAll,
		abortCh:   make(chan struct{}),
	}
}

// AbortSignal returns a channel that closes the moment Abort is called,
// letting a Script block mid-turn until the test triggers an abort without
// resorting to a sleep.
func (s *StubConversation) AbortSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortCh
}

func (s *StubConversation) emit(e Event) {
	s.mu.Lock()
	snapshot := make([]func(Event), 0, len(s.listeners))
	for _, l := range s.listeners {
		snapshot = append(snapshot, l)
	}
	s.mu.Unlock()
	for _, l := range snapshot {
		l(e)
	}
}

// Prompt runs one scripted turn: agent_start, message_start/message_end for
// the user message, then either Script or a default canned assistant reply.
func (s *StubConversation) Prompt(ctx context.Context, text string, _ []message.ContentPart) error {
	s.mu.Lock()
	s.streaming = true
	s.aborted = false
	s.abortCh = make(chan struct{})
	s.mu.Unlock()

	s.emit(AgentStartEvent{})
	s.emit(MessageStartEvent{Role: string(message.RoleUser), UserText: text})

	userMsg := message.Message{
		Role:  message.RoleUser,
		Parts: []message.ContentPart{message.TextContent{Text: text}},
	}
	s.mu.Lock()
	s.messages = append(s.messages, userMsg)
	s.mu.Unlock()
	s.emit(MessageEndEvent{Message: userMsg})

	var assistantMsg message.Message
	if s.Script != nil {
		assistantMsg = s.Script(ctx, text, s.emit)
	} else {
		s.emit(MessageStartEvent{Role: string(message.RoleAssistant)})
		assistantMsg = message.Message{
			Role:  message.RoleAssistant,
			Parts: []message.ContentPart{message.TextContent{Text: "stub response to: " + text}},
		}
	}

	s.mu.Lock()
	s.messages = append(s.messages, assistantMsg)
	s.streaming = false
	s.mu.Unlock()
	s.emit(MessageEndEvent{Message: assistantMsg})
	s.emit(AgentEndEvent{})
	return nil
}

// QueueMessage records the queued text; the stub does not auto-drain it
// (tests trigger the next Prompt explicitly).
func (s *StubConversation) QueueMessage(_ context.Context, msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedTexts = append(s.queuedTexts, msg.Content())
	return nil
}

func (s *StubConversation) ClearMessageQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedTexts = nil
}

func (s *StubConversation) SetProvider(triple tree.ProviderTriple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setProviderErr != nil {
		return s.setProviderErr
	}
	s.provider = triple
	return nil
}

func (s *StubConversation) SetQueueMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueMode = mode
}

func (s *StubConversation) GetQueueMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueMode
}

func (s *StubConversation) ReplaceMessages(msgs []message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]message.Message(nil), msgs...)
}

// Abort marks the stub aborted. Scripts that stream chunks should poll
// Aborted() between chunks to stop early, matching a real Conversation's
// cancellation behavior.
func (s *StubConversation) Abort() {
	s.mu.Lock()
	wasAborted := s.aborted
	s.aborted = true
	s.streaming = false
	ch := s.abortCh
	s.mu.Unlock()
	if !wasAborted && ch != nil {
		close(ch)
	}
}

// Aborted reports whether Abort has been called since the last Prompt.
func (s *StubConversation) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// WaitForIdle returns immediately without waiting. A Prompt call running on
// another goroutine may still be emitting its final events (message_end,
// agent_end) after WaitForIdle has returned.
func (s *StubConversation) WaitForIdle(_ context.Context) error {
	return nil
}

func (s *StubConversation) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetErr != nil {
		return s.resetErr
	}
	s.messages = nil
	s.provider = tree.ProviderTriple{}
	return nil
}

func (s *StubConversation) Subscribe(handler func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *StubConversation) State() ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConversationState{
		Messages:    append([]message.Message(nil), s.messages...),
		Provider:    s.provider,
		IsStreaming: s.streaming,
	}
}
