package controller

import (
	"context"

	"github.com/mark3labs/sessiontree/internal/message"
	"github.com/mark3labs/sessiontree/internal/tree"
)

// QueueMode values mirror internal/settings's queue_mode enum, kept as
// untyped string constants here so Conversation implementations outside
// this module don't need to import internal/settings.
const (
	QueueModeAll        = "all"
	QueueModeOneAtATime = "one-at-a-time"
)

// ConversationState is a read-only snapshot of a Conversation's introspection
// surface (state.messages, state.provider, state.is_streaming in spec §6.3).
type ConversationState struct {
	Messages    []message.Message
	Provider    tree.ProviderTriple
	IsStreaming bool
}

// Conversation is the external model driver the Controller multiplexes
// events from. It is implemented entirely outside this module — by the
// model-provider client the spec scopes out of the core — and reached only
// through this interface.
type Conversation interface {
	// Prompt starts a new turn with the given user text and attachments.
	Prompt(ctx context.Context, text string, attachments []message.ContentPart) error

	// QueueMessage enqueues a user message on the Conversation's own queue,
	// to be picked up once the current turn (if any) finishes.
	QueueMessage(ctx context.Context, msg message.Message) error

	// ClearMessageQueue discards the Conversation's queued messages.
	ClearMessageQueue()

	// SetProvider switches the active model/provider configuration.
	SetProvider(triple tree.ProviderTriple) error

	// SetQueueMode / GetQueueMode configure whether queued turns are
	// processed all at once or one at a time.
	SetQueueMode(mode string)
	GetQueueMode() string

	// ReplaceMessages swaps the Conversation's in-memory message list,
	// used when restoring a projected context from the Tree.
	ReplaceMessages(msgs []message.Message)

	// Abort requests the current turn to stop streaming.
	Abort()

	// WaitForIdle blocks until no turn is in flight.
	WaitForIdle(ctx context.Context) error

	// Reset clears the Conversation's history and in-flight state.
	Reset() error

	// Subscribe registers handler for every event this Conversation emits.
	// The returned func unsubscribes.
	Subscribe(handler func(Event)) (unsubscribe func())

	// State returns the current introspection snapshot.
	State() ConversationState
}
