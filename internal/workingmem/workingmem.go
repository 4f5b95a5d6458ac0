// Package workingmem implements the per-robot token-bounded working set.
// Entries are kept in an ordered map keyed by node id; eviction is hybrid
// importance+recency and deterministic. The structure is safe for
// concurrent use; it never owns node content beyond the cached copy.
package workingmem

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MadBomber/htm/internal/logging"
	"github.com/MadBomber/htm/internal/tokens"
)

// Strategy orders entries during context assembly.
type Strategy string

const (
	StrategyRecent    Strategy = "recent"
	StrategyImportant Strategy = "important"
	StrategyBalanced  Strategy = "balanced"
)

// DefaultMaxTokens is the default working-memory budget.
const DefaultMaxTokens = 128_000

// DefaultImportance is assigned when the caller does not specify one.
const DefaultImportance = 1.0

// Entry is one cached node.
type Entry struct {
	NodeID     int64
	Content    string
	TokenCount int
	Importance float64
	AddedAt    time.Time
	FromRecall bool

	touchedAt time.Time
	seq       uint64 // insertion/touch order tiebreaker
}

// Memory is a token-bounded working set for a single robot.
type Memory struct {
	mu        sync.Mutex
	maxTokens int
	entries   map[int64]*Entry
	total     int
	seq       uint64
	clock     func() time.Time
}

// New creates a working memory with the given token budget.
func New(maxTokens int) *Memory {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Memory{
		maxTokens: maxTokens,
		entries:   make(map[int64]*Entry),
		clock:     time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (m *Memory) SetClock(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = fn
}

// Add inserts or refreshes a node. If the addition would exceed the budget,
// entries are evicted (lowest importance first, oldest first among equals)
// until it fits. Returns the evicted node ids so the caller can clear their
// working_memory flags. A node larger than the whole budget evicts
// everything and is not admitted.
func (m *Memory) Add(nodeID int64, content string, tokenCount int, importance float64, fromRecall bool) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if importance < 0 {
		importance = DefaultImportance
	}
	now := m.clock()

	if existing, ok := m.entries[nodeID]; ok {
		m.total -= existing.TokenCount
		delete(m.entries, nodeID)
	}

	evicted := m.evictLocked(tokenCount)
	if m.total+tokenCount > m.maxTokens {
		// Budget too small for this node even with an empty set.
		logging.Warnf(logging.CategoryWorkingMem, "node %d (%d tokens) exceeds budget %d; not admitted", nodeID, tokenCount, m.maxTokens)
		return evicted
	}

	m.seq++
	m.entries[nodeID] = &Entry{
		NodeID:     nodeID,
		Content:    content,
		TokenCount: tokenCount,
		Importance: importance,
		AddedAt:    now,
		FromRecall: fromRecall,
		touchedAt:  now,
		seq:        m.seq,
	}
	m.total += tokenCount
	return evicted
}

// evictLocked frees room for `needed` tokens, returning evicted ids.
func (m *Memory) evictLocked(needed int) []int64 {
	if m.total+needed <= m.maxTokens {
		return nil
	}

	candidates := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	// Ascending importance; among equals, oldest first.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Importance != candidates[j].Importance {
			return candidates[i].Importance < candidates[j].Importance
		}
		return candidates[i].seq < candidates[j].seq
	})

	var evicted []int64
	for _, e := range candidates {
		if m.total+needed <= m.maxTokens {
			break
		}
		delete(m.entries, e.NodeID)
		m.total -= e.TokenCount
		evicted = append(evicted, e.NodeID)
	}
	if len(evicted) > 0 {
		logging.Debugf(logging.CategoryWorkingMem, "evicted %d entries to free space", len(evicted))
	}
	return evicted
}

// Touch marks a node most-recently-used. Returns false if absent.
func (m *Memory) Touch(nodeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[nodeID]
	if !ok {
		return false
	}
	m.seq++
	e.seq = m.seq
	e.touchedAt = m.clock()
	return true
}

// Remove drops a node without eviction accounting. Returns false if absent.
func (m *Memory) Remove(nodeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[nodeID]
	if !ok {
		return false
	}
	delete(m.entries, nodeID)
	m.total -= e.TokenCount
	return true
}

// Contains reports membership.
func (m *Memory) Contains(nodeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[nodeID]
	return ok
}

// Len returns the entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Tokens returns the current token total.
func (m *Memory) Tokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// MaxTokens returns the budget.
func (m *Memory) MaxTokens() int { return m.maxTokens }

// IDs returns the member node ids in insertion order.
func (m *Memory) IDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.snapshotLocked()
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	ids := make([]int64, len(list))
	for i, e := range list {
		ids[i] = e.NodeID
	}
	return ids
}

// Clear empties the set.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[int64]*Entry)
	m.total = 0
}

func (m *Memory) snapshotLocked() []*Entry {
	list := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		list = append(list, &cp)
	}
	return list
}

// AssembleContext concatenates entry contents (newline-joined) in strategy
// order, stopping before the total would exceed maxTokens. maxTokens <= 0
// means the memory's own budget.
func (m *Memory) AssembleContext(strategy Strategy, maxTokens int) string {
	m.mu.Lock()
	list := m.snapshotLocked()
	now := m.clock()
	m.mu.Unlock()

	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}

	switch strategy {
	case StrategyRecent:
		sort.Slice(list, func(i, j int) bool { return list[i].seq > list[j].seq })
	case StrategyImportant:
		sort.Slice(list, func(i, j int) bool {
			if list[i].Importance != list[j].Importance {
				return list[i].Importance > list[j].Importance
			}
			return list[i].seq > list[j].seq
		})
	default: // StrategyBalanced
		score := func(e *Entry) float64 {
			hours := now.Sub(e.AddedAt).Hours()
			if hours < 0 {
				hours = 0
			}
			return e.Importance / (1 + hours)
		}
		sort.Slice(list, func(i, j int) bool {
			si, sj := score(list[i]), score(list[j])
			if si != sj {
				return si > sj
			}
			return list[i].seq > list[j].seq
		})
	}

	var b strings.Builder
	used := 0
	for _, e := range list {
		cost := e.TokenCount
		if cost == 0 {
			cost = tokens.Count(e.Content)
		}
		if used+cost > maxTokens {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Content)
		used += cost
	}
	return b.String()
}
