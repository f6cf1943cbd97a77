// Package trace reassembles streamed trace events into per-command execution
// trees, computes aggregated statistics and serves flamegraph and timeline
// exports.
package trace

import (
	"sort"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// Node is one entry placed in a built tree.
type Node struct {
	Entry    *models.TraceEntry `json:"entry"`
	Children []*Node            `json:"children,omitempty"`

	Depth      int   `json:"depth"`
	ChildCount int   `json:"child_count"`
	Orphan     bool  `json:"orphan,omitempty"`
	Errored    bool  `json:"errored,omitempty"`

	// Subtree rollups include the node itself.
	SubtreeDurationMs int64 `json:"subtree_duration_ms"`
	SubtreeTokens     int   `json:"subtree_tokens"`
	SubtreeErrors     int   `json:"subtree_errors"`

	Slow       bool `json:"slow,omitempty"`
	VerySlow   bool `json:"very_slow,omitempty"`
	HighTokens bool `json:"high_tokens,omitempty"`
}

// Tree is the root forest for one command. Entries whose parent is absent
// from the set become roots flagged as orphans.
type Tree struct {
	CommandID string    `json:"command_id"`
	Roots     []*Node   `json:"roots"`
	MaxDepth  int       `json:"max_depth"`
	BuiltAt   time.Time `json:"built_at"`
}

// Thresholds flag slow and token-heavy nodes during a build.
type Thresholds struct {
	SlowMs     int64
	VerySlowMs int64
	HighTokens int
	MaxDepth   int
}

// Build assembles the flat entry set into a tree. Siblings are ordered by
// start time; recursion is bounded by Thresholds.MaxDepth, and entries beyond
// the bound are not placed.
func Build(commandID string, entries []*models.TraceEntry, th Thresholds) *Tree {
	byID := make(map[string]*models.TraceEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	children := make(map[string][]*models.TraceEntry)
	var roots []*models.TraceEntry
	orphans := make(map[string]bool)
	for _, e := range entries {
		if e.ParentID == "" {
			roots = append(roots, e)
			continue
		}
		if _, ok := byID[e.ParentID]; !ok {
			// Parent never arrived: surface as a separate flagged root.
			roots = append(roots, e)
			orphans[e.ID] = true
			continue
		}
		children[e.ParentID] = append(children[e.ParentID], e)
	}

	sortByStart(roots)
	for _, kids := range children {
		sortByStart(kids)
	}

	now := time.Now()
	t := &Tree{CommandID: commandID, BuiltAt: now}
	for _, root := range roots {
		node := buildNode(root, children, 0, th, now)
		node.Orphan = orphans[root.ID]
		t.Roots = append(t.Roots, node)
		if d := deepest(node); d > t.MaxDepth {
			t.MaxDepth = d
		}
	}
	return t
}

func buildNode(e *models.TraceEntry, children map[string][]*models.TraceEntry, depth int, th Thresholds, now time.Time) *Node {
	n := &Node{
		Entry:   e,
		Depth:   depth,
		Errored: isErrored(e, now),
	}

	dur := e.Duration().Milliseconds()
	n.SubtreeDurationMs = dur
	n.SubtreeTokens = e.TokensUsed
	if n.Errored {
		n.SubtreeErrors = 1
	}
	if th.SlowMs > 0 && dur >= th.SlowMs {
		n.Slow = true
	}
	if th.VerySlowMs > 0 && dur >= th.VerySlowMs {
		n.VerySlow = true
	}
	if th.HighTokens > 0 && e.TokensUsed >= th.HighTokens {
		n.HighTokens = true
	}

	if depth+1 < th.MaxDepth {
		for _, kid := range children[e.ID] {
			child := buildNode(kid, children, depth+1, th, now)
			n.Children = append(n.Children, child)
			n.SubtreeDurationMs += child.SubtreeDurationMs
			n.SubtreeTokens += child.SubtreeTokens
			n.SubtreeErrors += child.SubtreeErrors
		}
	}
	n.ChildCount = len(n.Children)
	return n
}

// isErrored reports the error heuristic: the entry's advertised duration has
// elapsed but no completion ever arrived.
func isErrored(e *models.TraceEntry, now time.Time) bool {
	if e.CompletedAt != nil {
		return false
	}
	if e.DurationMs <= 0 {
		return false
	}
	return e.StartedAt.Add(time.Duration(e.DurationMs) * time.Millisecond).Before(now)
}

func deepest(n *Node) int {
	max := n.Depth
	for _, c := range n.Children {
		if d := deepest(c); d > max {
			max = d
		}
	}
	return max
}

func sortByStart(entries []*models.TraceEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
}

// Flatten returns the entries of a tree in depth-first order. Build is a
// fixed point over Flatten: rebuilding from a flattened tree reproduces the
// same structure.
func Flatten(t *Tree) []*models.TraceEntry {
	var out []*models.TraceEntry
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n.Entry)
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range t.Roots {
		walk(r)
	}
	return out
}

// Aggregation is the per-command statistics summary.
type Aggregation struct {
	CommandID     string                   `json:"command_id"`
	AgentID       string                   `json:"agent_id,omitempty"`
	EntryCount    int                      `json:"entry_count"`
	TotalDuration int64                    `json:"total_duration_ms"`
	AvgDuration   float64                  `json:"avg_duration_ms"`
	TotalTokens   int                      `json:"total_tokens"`
	AvgTokens     float64                  `json:"avg_tokens"`
	CountsByType  map[models.TraceType]int `json:"counts_by_type"`
	ErrorCount    int                      `json:"error_count"`
	MaxDepth      int                      `json:"max_depth"`

	// CriticalPath is the trace id chain from the heaviest root following
	// the child with the largest subtree duration.
	CriticalPath []string `json:"critical_path,omitempty"`

	SlowTraces      []string `json:"slow_traces,omitempty"`
	HighTokenTraces []string `json:"high_token_traces,omitempty"`
}

// Aggregate computes the statistics summary for a built tree.
func Aggregate(t *Tree) *Aggregation {
	agg := &Aggregation{
		CommandID:    t.CommandID,
		CountsByType: make(map[models.TraceType]int),
		MaxDepth:     t.MaxDepth,
	}

	var walk func(n *Node)
	walk = func(n *Node) {
		e := n.Entry
		agg.EntryCount++
		agg.TotalDuration += e.Duration().Milliseconds()
		agg.TotalTokens += e.TokensUsed
		agg.CountsByType[e.Type]++
		if n.Errored {
			agg.ErrorCount++
		}
		if n.Slow || n.VerySlow {
			agg.SlowTraces = append(agg.SlowTraces, e.ID)
		}
		if n.HighTokens {
			agg.HighTokenTraces = append(agg.HighTokenTraces, e.ID)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range t.Roots {
		walk(r)
	}

	if agg.EntryCount > 0 {
		agg.AvgDuration = float64(agg.TotalDuration) / float64(agg.EntryCount)
		agg.AvgTokens = float64(agg.TotalTokens) / float64(agg.EntryCount)
		agg.AgentID = t.Roots[0].Entry.AgentID
	}
	agg.CriticalPath = criticalPath(t)
	return agg
}

// criticalPath follows the child with the largest subtree duration from the
// heaviest root down to a leaf.
func criticalPath(t *Tree) []string {
	var start *Node
	for _, r := range t.Roots {
		if start == nil || r.SubtreeDurationMs > start.SubtreeDurationMs {
			start = r
		}
	}
	if start == nil {
		return nil
	}

	var path []string
	for n := start; n != nil; {
		path = append(path, n.Entry.ID)
		var next *Node
		for _, c := range n.Children {
			if next == nil || c.SubtreeDurationMs > next.SubtreeDurationMs {
				next = c
			}
		}
		n = next
	}
	return path
}
