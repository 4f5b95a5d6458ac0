package htm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
	"github.com/MadBomber/htm/internal/store"
	"github.com/MadBomber/htm/internal/workingmem"
)

// GroupRole is a member's role within a group.
type GroupRole string

const (
	// RoleActive members handle remembers and recalls for the group.
	RoleActive GroupRole = "active"
	// RolePassive members mirror the group's memory, ready to take over.
	RolePassive GroupRole = "passive"
)

// groupChannelPrefix namespaces group notifications in the store.
const groupChannelPrefix = "htm.group."

type groupEvent struct {
	Event  string `json:"event"`
	NodeID int64  `json:"node_id"`
	Robot  string `json:"robot"`
}

// Group coordinates a set of robots sharing one memory stream. Writes by
// active members are broadcast over the store's notification channel, so
// passive members (in this process or another) keep their working
// memories in sync and can be promoted on failover.
type Group struct {
	hive    *Hive
	name    string
	channel string

	mu      sync.Mutex
	members map[string]*groupMember

	cancel context.CancelFunc
	done   chan struct{}
}

type groupMember struct {
	handle *HTM
	role   GroupRole
}

// Group creates (or re-joins) a named robot group.
func (h *Hive) Group(ctx context.Context, name string) (*Group, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", errs.ErrValidation)
	}
	subCtx, cancel := context.WithCancel(context.Background())
	g := &Group{
		hive:    h,
		name:    name,
		channel: groupChannelPrefix + name,
		members: make(map[string]*groupMember),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	msgs, err := h.store.Subscribe(subCtx, g.channel)
	if err != nil {
		cancel()
		return nil, err
	}
	go g.listen(subCtx, msgs)
	return g, nil
}

func (g *Group) listen(ctx context.Context, msgs <-chan store.Message) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var ev groupEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				logging.Warnf(logging.CategoryGroup, "group %s: bad event payload: %v", g.name, err)
				continue
			}
			if ev.Event == "node_added" {
				g.propagate(ctx, ev)
			}
		}
	}
}

// propagate mirrors a published node into every other member's working
// memory.
func (g *Group) propagate(ctx context.Context, ev groupEvent) {
	node, err := g.hive.store.FindNode(ctx, ev.NodeID)
	if err != nil {
		logging.Warnf(logging.CategoryGroup, "group %s: published node %d not loadable: %v", g.name, ev.NodeID, err)
		return
	}
	if !node.Active() {
		return
	}

	g.mu.Lock()
	members := make([]*groupMember, 0, len(g.members))
	for _, m := range g.members {
		if m.handle.Name() != ev.Robot {
			members = append(members, m)
		}
	}
	g.mu.Unlock()

	for _, m := range members {
		if m.handle.wm.Contains(node.ID) {
			continue
		}
		evicted := m.handle.wm.Add(node.ID, node.Content, node.TokenCount, workingmem.DefaultImportance, true)
		m.handle.syncEvictions(ctx, evicted)
	}
	logging.Debugf(logging.CategoryGroup, "group %s: node %d propagated to %d members", g.name, ev.NodeID, len(members))
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// AddActive adds a robot as an active member.
func (g *Group) AddActive(ctx context.Context, r *HTM) error {
	return g.add(ctx, r, RoleActive)
}

// AddPassive adds a robot as a passive standby.
func (g *Group) AddPassive(ctx context.Context, r *HTM) error {
	return g.add(ctx, r, RolePassive)
}

func (g *Group) add(ctx context.Context, r *HTM, role GroupRole) error {
	if r == nil {
		return fmt.Errorf("%w: nil robot", errs.ErrValidation)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[r.Name()]; ok {
		return fmt.Errorf("%w: robot %q is already a member of group %q", errs.ErrValidation, r.Name(), g.name)
	}
	g.members[r.Name()] = &groupMember{handle: r, role: role}
	logging.Infof(logging.CategoryGroup, "group %s: %s joined as %s", g.name, r.Name(), role)
	return nil
}

// Remove drops a member from the group. Its working memory is untouched.
func (g *Group) Remove(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[name]; !ok {
		return fmt.Errorf("%w: robot %q is not in group %q", errs.ErrNotFound, name, g.name)
	}
	delete(g.members, name)
	logging.Infof(logging.CategoryGroup, "group %s: %s left", g.name, name)
	return nil
}

// activeMember returns the first active member by name order.
func (g *Group) activeMember() (*groupMember, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var pick *groupMember
	for _, m := range g.members {
		if m.role != RoleActive {
			continue
		}
		if pick == nil || m.handle.Name() < pick.handle.Name() {
			pick = m
		}
	}
	if pick == nil {
		return nil, fmt.Errorf("%w: group %q has no active member", errs.ErrNotFound, g.name)
	}
	return pick, nil
}

// Remember stores content through an active member and broadcasts it to
// the rest of the group.
func (g *Group) Remember(ctx context.Context, content string, opts RememberOptions) (*RememberResult, error) {
	active, err := g.activeMember()
	if err != nil {
		return nil, err
	}
	res, err := active.handle.Remember(ctx, content, opts)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(groupEvent{Event: "node_added", NodeID: res.NodeID, Robot: active.handle.Name()})
	if err := g.hive.store.Notify(ctx, g.channel, string(payload)); err != nil {
		logging.Warnf(logging.CategoryGroup, "group %s: broadcast of node %d failed: %v", g.name, res.NodeID, err)
	}
	return res, nil
}

// Recall searches through an active member.
func (g *Group) Recall(ctx context.Context, query string, opts RecallOptions) ([]RecallResult, error) {
	active, err := g.activeMember()
	if err != nil {
		return nil, err
	}
	return active.handle.Recall(ctx, query, opts)
}

// SyncAll rebuilds every member's working memory from the union of the
// group's flagged nodes. New passive members call this to catch up.
func (g *Group) SyncAll(ctx context.Context) error {
	g.mu.Lock()
	members := make([]*groupMember, 0, len(g.members))
	robotIDs := make([]int64, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
		robotIDs = append(robotIDs, m.handle.robot.ID)
	}
	g.mu.Unlock()
	if len(members) == 0 {
		return nil
	}

	ids, err := g.hive.store.SharedWorkingSetIDs(ctx, robotIDs)
	if err != nil {
		return err
	}
	nodes, err := g.hive.store.LoadNodes(ctx, ids)
	if err != nil {
		return err
	}

	var eg errgroup.Group
	for _, m := range members {
		eg.Go(func() error {
			for _, id := range ids {
				node, ok := nodes[id]
				if !ok || m.handle.wm.Contains(id) {
					continue
				}
				evicted := m.handle.wm.Add(id, node.Content, node.TokenCount, workingmem.DefaultImportance, true)
				m.handle.syncEvictions(ctx, evicted)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	logging.Infof(logging.CategoryGroup, "group %s: synced %d nodes across %d members", g.name, len(ids), len(members))
	return nil
}

// Promote makes a passive member active.
func (g *Group) Promote(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[name]
	if !ok {
		return fmt.Errorf("%w: robot %q is not in group %q", errs.ErrNotFound, name, g.name)
	}
	if m.role == RoleActive {
		return nil
	}
	m.role = RoleActive
	logging.Infof(logging.CategoryGroup, "group %s: %s promoted to active", g.name, name)
	return nil
}

// Failover removes a failed active member and promotes a passive standby
// in its place. Returns the promoted robot's name.
func (g *Group) Failover(ctx context.Context, failed string) (string, error) {
	g.mu.Lock()
	m, ok := g.members[failed]
	if !ok || m.role != RoleActive {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: robot %q is not an active member of group %q", errs.ErrNotFound, failed, g.name)
	}
	delete(g.members, failed)

	var promote *groupMember
	for _, cand := range g.members {
		if cand.role != RolePassive {
			continue
		}
		if promote == nil || cand.handle.Name() < promote.handle.Name() {
			promote = cand
		}
	}
	if promote == nil {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: group %q has no passive member to promote", errs.ErrNotFound, g.name)
	}
	promote.role = RoleActive
	name := promote.handle.Name()
	g.mu.Unlock()

	// The promoted member inherits the group's canonical working set.
	if err := g.SyncAll(ctx); err != nil {
		return name, err
	}
	logging.Infof(logging.CategoryGroup, "group %s: failover %s -> %s", g.name, failed, name)
	return name, nil
}

// GroupStatus is a point-in-time view of a group.
type GroupStatus struct {
	Name    string
	Active  []string
	Passive []string
	Total   int
	// InSync reports whether all members hold the same working-set ids.
	InSync bool
	// Tokens and Utilization describe the busiest member's budget.
	Tokens      int
	Utilization float64
}

// Status reports membership, sync state and budget pressure.
func (g *Group) Status() GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := GroupStatus{Name: g.name, InSync: true}
	var reference map[int64]struct{}
	for _, m := range g.members {
		switch m.role {
		case RoleActive:
			st.Active = append(st.Active, m.handle.Name())
		case RolePassive:
			st.Passive = append(st.Passive, m.handle.Name())
		}
		st.Total++

		wmStats := m.handle.WorkingMemory()
		if wmStats.Tokens > st.Tokens {
			st.Tokens = wmStats.Tokens
			st.Utilization = wmStats.Utilization
		}

		set := make(map[int64]struct{})
		for _, id := range m.handle.wm.IDs() {
			set[id] = struct{}{}
		}
		if reference == nil {
			reference = set
		} else if !sameSet(reference, set) {
			st.InSync = false
		}
	}
	sort.Strings(st.Active)
	sort.Strings(st.Passive)
	return st
}

func sameSet(a, b map[int64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// Close stops the group's notification listener. Members keep their
// working memories.
func (g *Group) Close() error {
	g.cancel()
	<-g.done
	return nil
}
