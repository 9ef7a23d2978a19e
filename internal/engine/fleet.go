package engine

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"agentfleet/internal/state"
	"agentfleet/internal/strategy"
)

// Entry is one roster slot. Agent is nil for strategies that were disabled.
type Entry struct {
	Strategy       strategy.Strategy
	Agent          *Agent
	DisabledReason string
}

func (e *Entry) Status() state.Status {
	if e.Agent != nil {
		return e.Agent.Status()
	}
	return state.Status{
		ID:        e.Strategy.ID,
		Name:      e.Strategy.Name,
		Type:      string(e.Strategy.Type),
		State:     state.Disabled,
		LastError: e.DisabledReason,
	}
}

func (e *Entry) Snapshot() state.Snapshot {
	if e.Agent != nil {
		return e.Agent.Snapshot()
	}
	return state.Snapshot{Status: e.Status()}
}

// Fleet is the agent registry. Agents share nothing; the fleet only starts,
// stops and reports them.
type Fleet struct {
	stagger time.Duration

	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
}

func NewFleet(stagger time.Duration) *Fleet {
	return &Fleet{stagger: stagger, byID: map[string]*Entry{}}
}

func (f *Fleet) Add(agent *Agent) {
	f.add(&Entry{Strategy: agent.Strategy(), Agent: agent})
}

func (f *Fleet) AddDisabled(s strategy.Strategy, reason string) {
	log.Printf("agent=%s disabled: %s", s.ID, reason)
	f.add(&Entry{Strategy: s, DisabledReason: reason})
}

func (f *Fleet) add(e *Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	f.byID[e.Strategy.ID] = e
}

func (f *Fleet) Get(id string) (*Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.byID[id]
	return e, ok
}

// StartAll starts every enabled agent, offsetting agent i by i*stagger.
// Agents already started ignore the call.
func (f *Fleet) StartAll(ctx context.Context) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	slot := 0
	for _, e := range f.entries {
		if e.Agent == nil {
			continue
		}
		e.Agent.StartAfter(ctx, time.Duration(slot)*f.stagger)
		slot++
	}
	return slot
}

func (f *Fleet) StopAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, e := range f.entries {
		if e.Agent != nil {
			e.Agent.Stop()
		}
	}
}

func (f *Fleet) Statuses() []state.Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]state.Status, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Status())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
