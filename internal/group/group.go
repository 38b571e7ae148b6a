package group

import (
	"sort"
	"sync"
)

// GroupMetadata is one consumer group's mutable state (spec.md §3/§4.7).
// It is mutated only by the single coordinator goroutine (spec.md §5), but
// the mutex guards it anyway since reads (e.g. a describe-group RPC
// handler) may run on a different goroutine.
type GroupMetadata struct {
	mu sync.Mutex

	GroupID          string
	ProtocolType     string
	State            State
	GenerationID     int32
	LeaderID         string
	SelectedProtocol string

	members     map[string]*MemberMetadata
	memberOrder []string // insertion order, for deterministic leader fallback
}

// NewGroupMetadata creates a group in its initial state, Stable, per
// spec.md §4.7.
func NewGroupMetadata(groupID, protocolType string) *GroupMetadata {
	return &GroupMetadata{
		GroupID:      groupID,
		ProtocolType: protocolType,
		State:        StateStable,
		members:      make(map[string]*MemberMetadata),
	}
}

// Transition moves the group to a new state, rejecting any pair not in
// spec.md §4.7's table with ErrIllegalState.
func (g *GroupMetadata) Transition(to State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !canTransition(g.State, to) {
		return ErrIllegalState
	}
	g.State = to
	return nil
}

// CurrentState returns the group's state under lock.
func (g *GroupMetadata) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.State
}

// AddMember registers a new member. The first member ever added becomes
// leader (spec.md §4.7); a later join never displaces an existing leader.
func (g *GroupMetadata) AddMember(m *MemberMetadata, now int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m.lastHeartbeatMs = now
	if _, exists := g.members[m.ID]; !exists {
		g.memberOrder = append(g.memberOrder, m.ID)
	}
	g.members[m.ID] = m
	if g.LeaderID == "" {
		g.LeaderID = m.ID
	}
}

// RemoveMember drops a member. If it was the leader, an arbitrary
// remaining member (the next-oldest by join order) becomes leader.
func (g *GroupMetadata) RemoveMember(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[id]; !ok {
		return ErrMemberNotFound
	}
	delete(g.members, id)
	for i, mid := range g.memberOrder {
		if mid == id {
			g.memberOrder = append(g.memberOrder[:i], g.memberOrder[i+1:]...)
			break
		}
	}
	if g.LeaderID == id {
		g.LeaderID = ""
		for _, mid := range g.memberOrder {
			if _, ok := g.members[mid]; ok {
				g.LeaderID = mid
				break
			}
		}
	}
	return nil
}

// Heartbeat records a member's liveness at now; used by ExpireSessions to
// compute session-timeout expiry.
func (g *GroupMetadata) Heartbeat(id string, now int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[id]
	if !ok {
		return ErrMemberNotFound
	}
	m.lastHeartbeatMs = now
	return nil
}

// MemberCount reports the number of live members.
func (g *GroupMetadata) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// ExpireSessions removes every member whose session timeout has elapsed
// as of now (spec.md §5's "per-member session timeouts as the rebalance
// deadline", supplemented per SPEC_FULL.md as a pure function of
// (now, lastHeartbeat, sessionTimeoutMs)) and returns their IDs.
func (g *GroupMetadata) ExpireSessions(now int64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var expired []string
	for _, id := range g.memberOrder {
		m, ok := g.members[id]
		if !ok {
			continue
		}
		if m.expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(g.members, id)
	}
	if len(expired) > 0 {
		g.memberOrder = removeAll(g.memberOrder, expired)
		if _, stillLeader := g.members[g.LeaderID]; !stillLeader {
			g.LeaderID = ""
			for _, id := range g.memberOrder {
				if _, ok := g.members[id]; ok {
					g.LeaderID = id
					break
				}
			}
		}
	}
	return expired
}

func removeAll(order []string, drop []string) []string {
	dropSet := make(map[string]struct{}, len(drop))
	for _, id := range drop {
		dropSet[id] = struct{}{}
	}
	out := order[:0]
	for _, id := range order {
		if _, gone := dropSet[id]; !gone {
			out = append(out, id)
		}
	}
	return out
}

// SelectProtocol implements spec.md §4.7's protocol selection: intersect
// every member's supported-protocol set into candidates, each member
// casts a vote for the first candidate in its own preference order, and
// the protocol with the most votes wins (ties broken by protocol name).
// The winner is recorded as g.SelectedProtocol.
func (g *GroupMetadata) SelectProtocol() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return "", ErrEmptyGroup
	}

	candidates := g.intersectProtocolsLocked()
	if len(candidates) == 0 {
		return "", ErrNoCommonProtocol
	}

	votes := make(map[string]int, len(candidates))
	for _, id := range g.memberOrder {
		m, ok := g.members[id]
		if !ok {
			continue
		}
		for _, p := range m.Protocols {
			if _, isCandidate := candidates[p]; isCandidate {
				votes[p]++
				break
			}
		}
	}

	winner := protocolWithMostVotes(votes)
	g.SelectedProtocol = winner
	return winner, nil
}

func (g *GroupMetadata) intersectProtocolsLocked() map[string]struct{} {
	var first *MemberMetadata
	for _, id := range g.memberOrder {
		if m, ok := g.members[id]; ok {
			first = m
			break
		}
	}
	if first == nil {
		return nil
	}

	candidates := make(map[string]struct{}, len(first.Protocols))
	for _, p := range first.Protocols {
		candidates[p] = struct{}{}
	}

	for _, id := range g.memberOrder {
		m, ok := g.members[id]
		if !ok || m == first {
			continue
		}
		for p := range candidates {
			if !m.supports(p) {
				delete(candidates, p)
			}
		}
	}
	return candidates
}

func protocolWithMostVotes(votes map[string]int) string {
	names := make([]string, 0, len(votes))
	for name := range votes {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestVotes := -1
	for _, name := range names {
		if votes[name] > bestVotes {
			best = name
			bestVotes = votes[name]
		}
	}
	return best
}
