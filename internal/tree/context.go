package tree

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mark3labs/sessiontree/internal/message"
)

// BuildContext walks get_lineage(head(branch)) and projects it into a
// linear message sequence under strategy.
func (t *Tree) BuildContext(branch string, strategy Strategy) []message.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	target := branch
	if target == "" {
		target = t.activeBranch
	}
	headID, ok := t.heads[target]
	if !ok {
		return nil
	}
	lineage := t.lineageLocked(headID)

	switch s := strategy.(type) {
	case RecentStrategy:
		return buildRecent(lineage, s.Count)
	case SinceCheckpointStrategy:
		return buildSinceCheckpoint(lineage, s.Name)
	case UseSummariesStrategy:
		return buildUseSummaries(lineage)
	case CustomStrategy:
		if s.Fn == nil {
			return nil
		}
		return s.Fn(lineage)
	case FullStrategy:
		return buildFull(lineage)
	default:
		return buildFull(lineage)
	}
}

// buildFull applies the Full projection rules: Message nodes verbatim,
// Merge/Summary synthesized as assistant text, Provider/Checkpoint/Custom
// skipped.
func buildFull(lineage []Node) []message.Message {
	var out []message.Message
	for _, n := range lineage {
		switch v := n.(type) {
		case *MessageNode:
			out = append(out, v.Message)
		case *MergeNode:
			out = append(out, synthMessage(fmt.Sprintf("[Merged from %s]: %s", v.FromBranch, v.Content)))
		case *SummaryNode:
			out = append(out, synthMessage(fmt.Sprintf("[Summary]: %s", v.Content)))
		case *ProviderNode, *CheckpointNode, *CustomNode:
			// skipped under Full
		}
	}
	return out
}

func buildRecent(lineage []Node, count int) []message.Message {
	if count <= 0 {
		return nil
	}
	var msgs []message.Message
	for _, n := range lineage {
		if m, ok := n.(*MessageNode); ok {
			msgs = append(msgs, m.Message)
		}
	}
	if len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	return msgs
}

func buildSinceCheckpoint(lineage []Node, name string) []message.Message {
	idx := -1
	for i, n := range lineage {
		if cp, ok := n.(*CheckpointNode); ok && cp.Name == name {
			idx = i
		}
	}
	if idx == -1 {
		return buildFull(lineage)
	}
	return buildFull(lineage[idx+1:])
}

// buildUseSummaries applies Full rules, but each Summary node's text is
// emitted at the position of the earliest node it summarizes rather than at
// the Summary node's own (later) position in the lineage — a summary always
// stands in for the range it covers, so it must appear where that range
// began, not after it.
func buildUseSummaries(lineage []Node) []message.Message {
	summaryForID := make(map[uuid.UUID]*SummaryNode)
	anchored := make(map[*SummaryNode]bool)
	for _, n := range lineage {
		if s, ok := n.(*SummaryNode); ok {
			for _, id := range s.Summarizes {
				summaryForID[id] = s
				anchored[s] = true
			}
		}
	}

	emitted := make(map[*SummaryNode]bool)
	var out []message.Message
	for _, n := range lineage {
		switch v := n.(type) {
		case *MessageNode:
			if s, ok := summaryForID[v.ID]; ok {
				if !emitted[s] {
					out = append(out, synthMessage(fmt.Sprintf("[Summary]: %s", s.Content)))
					emitted[s] = true
				}
				continue
			}
			out = append(out, v.Message)
		case *SummaryNode:
			if anchored[v] {
				continue // emitted already, at its earliest summarized message's position
			}
			out = append(out, synthMessage(fmt.Sprintf("[Summary]: %s", v.Content)))
		case *MergeNode:
			out = append(out, synthMessage(fmt.Sprintf("[Merged from %s]: %s", v.FromBranch, v.Content)))
		case *ProviderNode, *CheckpointNode, *CustomNode:
			// skipped under Full
		}
	}
	return out
}

func synthMessage(text string) message.Message {
	now := time.Now()
	return message.Message{
		Role:      message.RoleAssistant,
		Parts:     []message.ContentPart{message.TextContent{Text: text}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
