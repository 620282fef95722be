// Package tree implements the Session Tree: a persistent, append-only,
// branching graph of typed nodes plus the strategies that project a lineage
// back into a linear message sequence.
//
// Concurrent open of the same log file by two Trees is undefined; advisory
// locking is left to the caller, matching the teacher's own silence on
// concurrent file handles.
package tree

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mark3labs/sessiontree/internal/message"
)

// RecordType identifies the kind of record stored in a JSONL tree log.
type RecordType string

const (
	RecordTree       RecordType = "tree"
	RecordMessage    RecordType = "message"
	RecordProvider   RecordType = "provider"
	RecordSummary    RecordType = "summary"
	RecordMerge      RecordType = "merge"
	RecordCheckpoint RecordType = "checkpoint"
	RecordCustom     RecordType = "custom"
	RecordActive     RecordType = "active"
)

// CustomBehavior controls whether a Custom node participates in Full
// projection.
type CustomBehavior string

const (
	CustomInclude  CustomBehavior = "include"
	CustomSkip     CustomBehavior = "skip"
	CustomTerminal CustomBehavior = "terminal"
)

// DefaultBranch is the branch name every fresh tree starts with.
const DefaultBranch = "main"

// Header is the first record of a tree's log. It carries metadata and an
// optional initial provider triple.
type Header struct {
	Type            RecordType     `json:"type"`
	ID              uuid.UUID      `json:"id"`
	Cwd             string         `json:"cwd"`
	Created         time.Time      `json:"created"`
	DefaultBranch   string         `json:"default_branch"`
	API             string         `json:"api,omitempty"`
	ModelID         string         `json:"model_id,omitempty"`
	ProviderOptions map[string]any `json:"provider_options,omitempty"`
}

// Base carries the fields common to every Node variant.
type Base struct {
	Type      RecordType `json:"type"`
	ID        uuid.UUID  `json:"id"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	Branch    string     `json:"branch"`
	Timestamp time.Time  `json:"timestamp"`
}

func (b Base) nodeID() uuid.UUID      { return b.ID }
func (b Base) parentID() *uuid.UUID   { return b.ParentID }
func (b Base) branch() string         { return b.Branch }
func (b Base) timestamp() time.Time   { return b.Timestamp }

// Node is the sum type of everything that can appear in the tree, aside
// from the Header and the active-branch marker. It is a closed set of
// concrete Go structs dispatched over with a type switch; there is no
// exported interface method set beyond identity accessors because the
// call sites that matter (BuildContext, persistence) need the concrete
// variant, not a virtual call.
type Node interface {
	nodeID() uuid.UUID
	parentID() *uuid.UUID
	branch() string
	timestamp() time.Time
}

// MessageNode is a user, assistant, or tool-result turn.
type MessageNode struct {
	Base
	Message message.Message `json:"message"`
}

// ProviderNode records a model/configuration switch at this point in history.
type ProviderNode struct {
	Base
	API             string         `json:"api"`
	ModelID         string         `json:"model_id"`
	ProviderOptions map[string]any `json:"provider_options,omitempty"`
}

// SummaryNode is a compressed stand-in for the node ids listed in Summarizes.
type SummaryNode struct {
	Base
	Content    string      `json:"content"`
	Summarizes []uuid.UUID `json:"summarizes"`
}

// MergeNode is a narrative record that another branch was folded in here.
type MergeNode struct {
	Base
	Content    string    `json:"content"`
	FromBranch string    `json:"from_branch"`
	FromHeadID uuid.UUID `json:"from_head_id"`
}

// CheckpointNode is a named marker for recall/navigation.
type CheckpointNode struct {
	Base
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CustomNode is an extension slot for caller-defined node kinds.
type CustomNode struct {
	Base
	Subtype         string          `json:"subtype"`
	Data            json.RawMessage `json:"data"`
	ContextBehavior CustomBehavior  `json:"context_behavior,omitempty"`
}

// ActiveBranchMarker records a branch switch. The last one wins.
type ActiveBranchMarker struct {
	Type      RecordType `json:"type"`
	Branch    string     `json:"branch"`
	Timestamp time.Time  `json:"timestamp"`
}

func newBase(recordType RecordType, id uuid.UUID, parentID *uuid.UUID, branch string) Base {
	return Base{
		Type:      recordType,
		ID:        id,
		ParentID:  parentID,
		Branch:    branch,
		Timestamp: time.Now(),
	}
}

// --- JSONL marshaling ---

// recordEnvelope is used to sniff the type tag before deciding which
// concrete struct to unmarshal into.
type recordEnvelope struct {
	Type RecordType `json:"type"`
}

// MarshalRecord serializes a Header, Node, or ActiveBranchMarker to a JSON
// line (no trailing newline).
func MarshalRecord(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalRecord deserializes one JSONL line into its concrete type. Returns
// one of: *Header, *MessageNode, *ProviderNode, *SummaryNode, *MergeNode,
// *CheckpointNode, *CustomNode, *ActiveBranchMarker.
func UnmarshalRecord(data []byte) (any, error) {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("detect record type: %w", err)
	}

	switch env.Type {
	case RecordTree:
		var h Header
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("unmarshal tree header: %w", err)
		}
		return &h, nil
	case RecordMessage:
		var n MessageNode
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("unmarshal message node: %w", err)
		}
		return &n, nil
	case RecordProvider:
		var n ProviderNode
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("unmarshal provider node: %w", err)
		}
		return &n, nil
	case RecordSummary:
		var n SummaryNode
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("unmarshal summary node: %w", err)
		}
		return &n, nil
	case RecordMerge:
		var n MergeNode
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("unmarshal merge node: %w", err)
		}
		return &n, nil
	case RecordCheckpoint:
		var n CheckpointNode
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint node: %w", err)
		}
		return &n, nil
	case RecordCustom:
		var n CustomNode
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("unmarshal custom node: %w", err)
		}
		return &n, nil
	case RecordActive:
		var m ActiveBranchMarker
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("unmarshal active-branch marker: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown record type: %q", env.Type)
	}
}
