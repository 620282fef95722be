package tree

import (
	"github.com/mark3labs/sessiontree/internal/message"
)

// Strategy is the closed set of context-projection algorithms BuildContext
// can apply to a lineage. Variants are concrete structs with an unexported
// marker method rather than an enum with payload, matching the pack's
// preference for type-tagged closed unions over runtime reflection.
type Strategy interface {
	isStrategy()
}

// FullStrategy emits one message per node per the Full projection rules:
// Message nodes verbatim, Merge/Summary synthesized as assistant text,
// Provider/Checkpoint/Custom skipped (Custom nodes are skipped whatever
// their ContextBehavior).
type FullStrategy struct{}

func (FullStrategy) isStrategy() {}

// RecentStrategy filters the lineage to Message nodes only and keeps the
// last Count of them, emitted verbatim. Summaries and merges are ignored.
type RecentStrategy struct {
	Count int
}

func (RecentStrategy) isStrategy() {}

// SinceCheckpointStrategy emits, via Full rules, every node strictly after
// the named Checkpoint node on the lineage. Falls back to Full if the name
// is not found.
type SinceCheckpointStrategy struct {
	Name string
}

func (SinceCheckpointStrategy) isStrategy() {}

// UseSummariesStrategy replaces ranges covered by Summary nodes with their
// summary text: it unions every Summary node's Summarizes set, then applies
// Full rules skipping any Message node whose id is in that union.
type UseSummariesStrategy struct{}

func (UseSummariesStrategy) isStrategy() {}

// CustomStrategy hands the full lineage to a caller-supplied function and
// accepts its returned message list verbatim.
type CustomStrategy struct {
	Fn func(lineage []Node) []message.Message
}

func (CustomStrategy) isStrategy() {}

// Full is the zero-configuration default strategy.
var Full Strategy = FullStrategy{}

// Recent returns a strategy that keeps only the last count Message nodes.
func Recent(count int) Strategy { return RecentStrategy{Count: count} }

// SinceCheckpoint returns a strategy anchored at the named checkpoint.
func SinceCheckpoint(name string) Strategy { return SinceCheckpointStrategy{Name: name} }

// UseSummaries is the compaction-aware strategy.
var UseSummaries Strategy = UseSummariesStrategy{}

// Custom wraps a caller-supplied projection function.
func Custom(fn func(lineage []Node) []message.Message) Strategy {
	return CustomStrategy{Fn: fn}
}
