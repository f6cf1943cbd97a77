package trace

import "github.com/agentdeck/agentdeck/pkg/models"

// FlamegraphNode is one frame in the flamegraph export. Value is the node's
// subtree duration in milliseconds.
type FlamegraphNode struct {
	Name     string            `json:"name"`
	Value    int64             `json:"value"`
	Color    string            `json:"color"`
	Children []*FlamegraphNode `json:"children,omitempty"`
}

// Flamegraph colors by trace type; errors override.
const (
	colorLLM      = "#4c78a8"
	colorToolCall = "#f58518"
	colorResponse = "#54a24b"
	colorError    = "#e45756"
	colorDefault  = "#9d9d9d"
)

// ExportLimits cap export size. Zero values mean unlimited.
type ExportLimits struct {
	MaxNodes int
	MaxDepth int
}

// Flamegraph renders the tree as a flamegraph forest under the given limits.
// Traversal stops adding nodes once MaxNodes is reached; subtrees below
// MaxDepth are truncated.
func Flamegraph(t *Tree, limits ExportLimits) []*FlamegraphNode {
	budget := limits.MaxNodes
	unlimited := budget <= 0

	var convert func(n *Node, depth int) *FlamegraphNode
	convert = func(n *Node, depth int) *FlamegraphNode {
		if !unlimited {
			if budget <= 0 {
				return nil
			}
			budget--
		}
		fn := &FlamegraphNode{
			Name:  n.Entry.Name,
			Value: n.SubtreeDurationMs,
			Color: flameColor(n),
		}
		if limits.MaxDepth > 0 && depth+1 >= limits.MaxDepth {
			return fn
		}
		for _, c := range n.Children {
			if child := convert(c, depth+1); child != nil {
				fn.Children = append(fn.Children, child)
			}
		}
		return fn
	}

	var out []*FlamegraphNode
	for _, r := range t.Roots {
		if fn := convert(r, 0); fn != nil {
			out = append(out, fn)
		}
	}
	return out
}

func flameColor(n *Node) string {
	if n.Errored {
		return colorError
	}
	switch n.Entry.Type {
	case models.TraceLLMPrompt:
		return colorLLM
	case models.TraceToolCall:
		return colorToolCall
	case models.TraceResponse:
		return colorResponse
	}
	return colorDefault
}

// TimelineEvent is one row in the timeline export.
type TimelineEvent struct {
	TraceID  string           `json:"trace_id"`
	Name     string           `json:"name"`
	Type     models.TraceType `json:"type"`
	Start    int64            `json:"start"` // ms epoch
	End      int64            `json:"end"`   // ms epoch; Start for open entries
	Level    int              `json:"level"`
	Children []string         `json:"children,omitempty"`
	Errored  bool             `json:"errored,omitempty"`
}

// Timeline renders the tree as a flat event list ordered depth-first, level
// matching tree depth, under the same export limits as Flamegraph.
func Timeline(t *Tree, limits ExportLimits) []*TimelineEvent {
	var out []*TimelineEvent

	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		if limits.MaxNodes > 0 && len(out) >= limits.MaxNodes {
			return
		}
		e := n.Entry
		ev := &TimelineEvent{
			TraceID: e.ID,
			Name:    e.Name,
			Type:    e.Type,
			Start:   e.StartedAt.UnixMilli(),
			End:     e.StartedAt.UnixMilli(),
			Level:   depth,
			Errored: n.Errored,
		}
		if e.CompletedAt != nil {
			ev.End = e.CompletedAt.UnixMilli()
		} else if e.DurationMs > 0 {
			ev.End = ev.Start + e.DurationMs
		}
		for _, c := range n.Children {
			ev.Children = append(ev.Children, c.Entry.ID)
		}
		out = append(out, ev)

		if limits.MaxDepth > 0 && depth+1 >= limits.MaxDepth {
			return
		}
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}

	for _, r := range t.Roots {
		walk(r, 0)
	}
	return out
}
