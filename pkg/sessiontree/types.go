// Package sessiontree is the public facade over the Session Tree and
// Session Controller: it re-exports the types callers need without forcing
// them to import internal/* directly, and provides the programmatic
// factory (spec §6.4) that assembles a ready-to-use Controller.
package sessiontree

import (
	"github.com/mark3labs/sessiontree/internal/compaction"
	"github.com/mark3labs/sessiontree/internal/controller"
	"github.com/mark3labs/sessiontree/internal/message"
	"github.com/mark3labs/sessiontree/internal/provider"
	"github.com/mark3labs/sessiontree/internal/sessionerr"
	"github.com/mark3labs/sessiontree/internal/settings"
	"github.com/mark3labs/sessiontree/internal/tree"
)

// --- Session Tree (§C1) ---

type (
	Tree             = tree.Tree
	Node             = tree.Node
	Header           = tree.Header
	ProviderTriple   = tree.ProviderTriple
	BranchInfo       = tree.BranchInfo
	SessionInfo      = tree.SessionInfo
	Strategy         = tree.Strategy
	MessageNode      = tree.MessageNode
	ProviderNode     = tree.ProviderNode
	SummaryNode      = tree.SummaryNode
	MergeNode        = tree.MergeNode
	CheckpointNode   = tree.CheckpointNode
	CustomNode       = tree.CustomNode
	CustomBehavior   = tree.CustomBehavior
)

const (
	DefaultBranch  = tree.DefaultBranch
	CustomInclude  = tree.CustomInclude
	CustomSkip     = tree.CustomSkip
	CustomTerminal = tree.CustomTerminal
)

var (
	Full         = tree.Full
	UseSummaries = tree.UseSummaries
	Recent       = tree.Recent
	SinceCheckpoint = tree.SinceCheckpoint
	Custom       = tree.Custom
)

// --- Session Controller (§C2) ---

type (
	Controller         = controller.Controller
	Conversation       = controller.Conversation
	ConversationState  = controller.ConversationState
	SessionStats       = controller.SessionStats
	Event              = controller.Event
	EventType          = controller.EventType
	Listener           = controller.Listener
	AgentStartEvent    = controller.AgentStartEvent
	MessageStartEvent  = controller.MessageStartEvent
	MessageUpdateEvent = controller.MessageUpdateEvent
	MessageEndEvent    = controller.MessageEndEvent
	AgentEndEvent      = controller.AgentEndEvent
)

const (
	QueueModeAll        = controller.QueueModeAll
	QueueModeOneAtATime = controller.QueueModeOneAtATime
	ThinkingLow         = controller.ThinkingLow
	ThinkingHigh        = controller.ThinkingHigh
)

// --- Messages ---

type (
	Message     = message.Message
	ContentPart = message.ContentPart
	TextContent = message.TextContent
	ToolCall    = message.ToolCall
	ToolResult  = message.ToolResult
)

// --- Providers, settings, errors, compaction ---

type (
	Model          = provider.Model
	ModelRegistry  = provider.Registry
	APIKeyResolver = provider.APIKeyResolver
	Settings       = settings.Settings
	ErrorKind      = sessionerr.Kind
	CompactionOpts = compaction.Options
	CompactionResult = compaction.Result
)

const (
	NoModelsAvailable    = sessionerr.NoModelsAvailable
	ConfigMissing        = sessionerr.ConfigMissing
	AuthMissing          = sessionerr.AuthMissing
	UnknownBranch        = sessionerr.UnknownBranch
	BranchAlreadyExists  = sessionerr.BranchAlreadyExists
	UnknownNode          = sessionerr.UnknownNode
	EmptyMergeSource     = sessionerr.EmptyMergeSource
	SessionFileMissing   = sessionerr.SessionFileMissing
	SessionHeaderMissing = sessionerr.SessionHeaderMissing
	UnsupportedOperation = sessionerr.UnsupportedOperation
	PersistenceIoError   = sessionerr.PersistenceIoError
)

// IsErrorKind reports whether err is a sessionerr.Error of the given kind.
var IsErrorKind = sessionerr.Is
