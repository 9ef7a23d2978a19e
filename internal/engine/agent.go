package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"agentfleet/internal/broker"
	"agentfleet/internal/md"
	"agentfleet/internal/oracle"
	"agentfleet/internal/risk"
	"agentfleet/internal/state"
	"agentfleet/internal/strategy"
)

// Deps are the collaborators of one agent. Exchange is private to the agent;
// Oracle may be shared.
type Deps struct {
	Exchange       broker.Exchange
	Oracle         oracle.Oracle
	Gate           risk.Gate
	Policy         Policy
	Decisions      *DecisionLogger
	Sinks          []TradeSink
	InitialBalance float64
}

// Agent runs one strategy's control loop. Each cycle runs to completion and
// then arms exactly one single-shot timer for the next wake.
type Agent struct {
	strategy  strategy.Strategy
	exchange  broker.Exchange
	oracle    oracle.Oracle
	gate      risk.Gate
	policy    Policy
	store     *state.Store
	decisions *DecisionLogger
	sinks     []TradeSink
	marks     *md.RingBuffer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	started atomic.Bool
	stopped atomic.Bool
	running atomic.Bool
	probe   sync.Once

	mu       sync.Mutex
	ctx      context.Context
	timer    *time.Timer
	nextWake time.Time
}

func NewAgent(s strategy.Strategy, deps Deps) *Agent {
	markWindow := deps.Policy.MarkWindow
	if markWindow <= 0 {
		markWindow = 5
	}
	return &Agent{
		strategy:  s,
		exchange:  deps.Exchange,
		oracle:    deps.Oracle,
		gate:      deps.Gate,
		policy:    deps.Policy,
		store:     state.NewStore(s.ID, s.Name, string(s.Type), deps.InitialBalance),
		decisions: deps.Decisions,
		sinks:     deps.Sinks,
		marks:     md.NewRingBuffer(markWindow * 4),
		now:       time.Now,
		sleep:     broker.WaitForContext,
		ctx:       context.Background(),
	}
}

func (a *Agent) ID() string {
	return a.strategy.ID
}

func (a *Agent) Strategy() strategy.Strategy {
	return a.strategy
}

// Start begins the loop with an immediate wake.
func (a *Agent) Start(ctx context.Context) {
	a.StartAfter(ctx, 0)
}

// StartAfter begins the loop with the first wake after delay. Only the first
// call on an agent has any effect.
func (a *Agent) StartAfter(ctx context.Context, delay time.Duration) {
	if !a.started.CompareAndSwap(false, true) {
		log.Printf("agent=%s start ignored: agent already started", a.ID())
		return
	}
	if a.stopped.Load() {
		log.Printf("agent=%s start ignored: agent stopped", a.ID())
		return
	}
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	log.Printf("agent=%s strategy=%q side=%s starting in %s", a.ID(), a.strategy.Name, a.strategy.Type.Side(), delay)
	a.schedule(delay)
}

// Stop cancels the pending wake and forces Stopped. A cycle already running
// finishes its exchange calls and does not reschedule.
func (a *Agent) Stop() {
	if a.stopped.Swap(true) {
		return
	}
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.nextWake = time.Time{}
	a.mu.Unlock()
	if err := a.store.SetState(state.Stopped); err != nil {
		log.Printf("agent=%s stop: %v", a.ID(), err)
	}
	log.Printf("agent=%s stopped", a.ID())
}

func (a *Agent) Status() state.Status {
	return a.store.Status()
}

func (a *Agent) Snapshot() state.Snapshot {
	return a.store.Snapshot()
}

func (a *Agent) OpenPosition() *state.Position {
	return a.store.Position()
}

func (a *Agent) Trades() []state.TradeRecord {
	return a.store.Trades()
}

// NextWake is the time of the pending wake, zero when none is armed.
func (a *Agent) NextWake() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextWake
}

func (a *Agent) schedule(delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped.Load() {
		return
	}
	if delay < 0 {
		delay = 0
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.nextWake = a.now().Add(delay)
	a.timer = time.AfterFunc(delay, a.wake)
}

func (a *Agent) wake() {
	if a.stopped.Load() {
		return
	}
	if !a.running.CompareAndSwap(false, true) {
		log.Printf("agent=%s wake skipped: cycle still running", a.ID())
		return
	}
	a.mu.Lock()
	parent := a.ctx
	a.nextWake = time.Time{}
	a.mu.Unlock()

	next := a.runCycle(parent)
	a.running.Store(false)

	if a.stopped.Load() {
		_ = a.store.SetState(state.Stopped)
		return
	}
	if parent.Err() != nil {
		log.Printf("agent=%s context done, not rescheduling", a.ID())
		return
	}
	a.schedule(next)
}

// runCycle performs one unit of work and returns the delay before the next.
func (a *Agent) runCycle(parent context.Context) time.Duration {
	ctx := parent
	if a.policy.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, a.policy.CycleTimeout)
		defer cancel()
	}
	a.probe.Do(func() { a.probeBalance(ctx) })

	if pos := a.store.Position(); pos != nil {
		return a.hold(ctx, *pos)
	}
	if a.store.State() == state.Error {
		log.Printf("agent=%s state=%s -> %s", a.ID(), state.Error, state.Cooldown)
		_ = a.store.SetState(state.Cooldown)
	}
	return a.analyze(ctx)
}

func (a *Agent) probeBalance(ctx context.Context) {
	balance, err := a.exchange.Balance(ctx)
	if err != nil {
		log.Printf("agent=%s balance probe failed: %v", a.ID(), err)
		return
	}
	log.Printf("agent=%s account equity=%.2f available=%.2f", a.ID(), balance.Equity, balance.Available)
}

func (a *Agent) brief() oracle.Brief {
	return oracle.Brief{
		Strategy: a.strategy.Name,
		Side:     a.strategy.Type.Side(),
		Prompt:   a.strategy.Prompt,
	}
}

func (a *Agent) journal(d Decision) {
	d.Timestamp = a.now().UTC()
	d.AgentID = a.ID()
	d.State = a.store.State()
	a.decisions.Append(d)
}
