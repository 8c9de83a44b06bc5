// Package mars implements multi-agent reasoning: several agents answer the
// same query independently, cross-check each other's work, refine what was
// not accepted and agree on a final answer.
package mars

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/llm"
	"github.com/mtzanidakis/mars/internal/optimizer"
)

// State is a phase of the run state machine.
type State string

const (
	StateExploring        State = "exploring"
	StateAggregating      State = "aggregating"
	StateStrategyLearning State = "strategy_learning"
	StateVerifying        State = "verifying"
	StateImproving        State = "improving"
	StateSelecting        State = "selecting"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

const synthesisAgentID = "synthesis"

// Coordinator runs queries through the multi-agent phases. It is safe for
// concurrent use; each Run gets its own workspace and agents.
type Coordinator struct {
	cfg           config.MarsConfig
	gen           llm.Generator
	log           *slog.Logger
	sink          EventSink
	store         StrategyStore
	newID         func() string
	maxTokens     int
	retryInterval time.Duration
	tracer        trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithEventSink sets the sink for run events. Publish is called from
// concurrent goroutines.
func WithEventSink(s EventSink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithStrategyStore enables loading and saving strategies across runs.
func WithStrategyStore(s StrategyStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithIDFunc overrides run id generation.
func WithIDFunc(f func() string) Option {
	return func(c *Coordinator) { c.newID = f }
}

// WithMaxTokens caps the completion length of every model call.
func WithMaxTokens(n int) Option {
	return func(c *Coordinator) { c.maxTokens = n }
}

// WithRetryInterval sets the initial backoff between agent call retries.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.retryInterval = d }
}

// New validates cfg and returns a coordinator holding its own copy of it.
func New(cfg config.MarsConfig, gen llm.Generator, opts ...Option) (*Coordinator, error) {
	if gen == nil {
		return nil, errors.New("new coordinator: nil generator")
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new coordinator: %w", err)
	}

	c := &Coordinator{
		cfg:           cfg,
		gen:           gen,
		log:           slog.Default(),
		sink:          discardSink{},
		newID:         func() string { return uuid.New().String() },
		retryInterval: 500 * time.Millisecond,
		tracer:        otel.Tracer("github.com/mtzanidakis/mars/internal/mars"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the normalised configuration the coordinator runs with.
func (c *Coordinator) Config() config.MarsConfig {
	return c.cfg.Normalize()
}

func (c *Coordinator) Name() string { return "mars" }

func (c *Coordinator) Description() string {
	return "Multi-agent reasoning with cross-verification, aggregation and shared strategies"
}

// Optimize runs the coordinator and reduces its output to an optimizer.Result.
func (c *Coordinator) Optimize(ctx context.Context, query string) (optimizer.Result, error) {
	out, err := c.Run(ctx, query)
	if err != nil {
		return optimizer.Result{}, err
	}
	return optimizer.Result{
		Optimizer:   c.Name(),
		Answer:      out.Answer,
		Reasoning:   out.Reasoning,
		TotalTokens: out.TotalTokens,
		Metadata: map[string]any{
			"run_id":     out.RunID,
			"method":     string(out.Method),
			"status":     string(out.Status),
			"iterations": out.Iterations,
			"solutions":  len(out.Solutions),
		},
	}, nil
}

type runOptions struct {
	id string
}

type RunOption func(*runOptions)

func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.id = id }
}

// run holds the state of a single Run call.
type run struct {
	*Coordinator

	log      *slog.Logger
	id       string
	query    string
	ws       *Workspace
	agents   []*Agent
	verifier *Verifier
	network  *StrategyNetwork
	inv      *invoker

	mu         sync.Mutex
	state      State
	states     []State
	iterations int
	failure    error
	selection  selection
}

// Run coordinates the agents over query until an answer is selected. It
// returns ErrNoSolutions when no agent produced anything; budget exhaustion
// is reported through Output.Status instead of an error.
func (c *Coordinator) Run(ctx context.Context, query string, opts ...RunOption) (*Output, error) {
	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.id == "" {
		ro.id = c.newID()
	}

	started := time.Now().UTC()
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	r := c.newRun(ro.id, query)
	ctx, span := c.tracer.Start(ctx, "mars.run", trace.WithAttributes(
		attribute.String("mars.run_id", r.id),
		attribute.Int("mars.agents", len(r.agents)),
	))
	defer span.End()

	r.log.Info("starting run", "agents", len(r.agents), "aggregation", c.cfg.EnableAggregation, "strategies", c.cfg.EnableStrategyNetwork)

	state := StateExploring
	for state != StateDone {
		r.enter(state)
		state = r.step(ctx, state)
	}
	r.enter(StateDone)

	if r.ws.Len() == 0 {
		err := r.failure
		if err == nil || !errors.Is(err, ErrNoSolutions) {
			err = &PhaseError{Phase: StateExploring, Err: ErrNoSolutions}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.emit(Event{Type: EventError, Data: map[string]any{"error": err.Error()}})
		r.log.Error("run produced no solutions", "error", err)
		return nil, err
	}

	r.persistStrategies(ctx)

	out := r.output(started)
	span.SetAttributes(
		attribute.String("mars.method", string(out.Method)),
		attribute.String("mars.status", string(out.Status)),
		attribute.Int("mars.total_tokens", out.TotalTokens),
	)
	r.emit(Event{Type: EventCompleted, SolutionID: out.FinalSolutionID, Data: map[string]any{
		"method":       string(out.Method),
		"status":       string(out.Status),
		"answer":       out.Answer,
		"iterations":   out.Iterations,
		"total_tokens": out.TotalTokens,
		"solutions":    len(out.Solutions),
	}})
	r.log.Info("run completed", "method", out.Method, "status", out.Status, "iterations", out.Iterations, "tokens", out.TotalTokens, "duration", out.CompletedAt.Sub(out.StartedAt))
	return out, nil
}

func (c *Coordinator) newRun(id, query string) *run {
	log := c.log.With("run", id)
	inv := &invoker{
		log:            log,
		sem:            semaphore.NewWeighted(int64(c.cfg.MaxConcurrency)),
		retries:        c.cfg.AgentRetries,
		retryInterval:  c.retryInterval,
		cancelInFlight: c.cfg.CancelInFlight,
	}

	agents := make([]*Agent, c.cfg.AgentCount)
	for i := range agents {
		agents[i] = NewAgent(fmt.Sprintf("agent-%d", i+1), c.cfg.Temperatures[i], c.gen, c.maxTokens)
	}

	r := &run{
		Coordinator: c,
		log:         log,
		id:          id,
		query:       query,
		ws:          NewWorkspace(),
		agents:      agents,
		inv:         inv,
	}
	r.verifier = newVerifier(agents, c.cfg.ConsensusThreshold, query, c.cfg.JudgeTimeout, inv)
	if c.cfg.EnableStrategyNetwork {
		r.network = NewStrategyNetwork(c.cfg.Strategy)
	}
	return r
}

func (r *run) enter(s State) {
	r.mu.Lock()
	r.state = s
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *run) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) emit(e Event) {
	e.RunID = r.id
	if e.State == "" {
		e.State = r.currentState()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.sink.Publish(e)
}

func (r *run) emitError(err error) {
	var pe *PhaseError
	e := Event{Type: EventError, Data: map[string]any{"error": err.Error()}}
	if errors.As(err, &pe) {
		e.SolutionID = pe.SolutionID
		e.AgentID = pe.AgentID
	}
	r.emit(e)
}

func (r *run) fail(err error) State {
	r.mu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.mu.Unlock()
	r.log.Warn("run failed", "state", r.currentState(), "error", err)
	r.emitError(err)
	return StateFailed
}

// step executes one state and returns the next.
func (r *run) step(ctx context.Context, state State) State {
	if state != StateFailed && state != StateSelecting && state != StateExploring {
		if err := r.checkBudget(ctx); err != nil {
			return r.fail(&PhaseError{Phase: state, Err: err})
		}
	}

	ctx, span := r.tracer.Start(ctx, "mars."+string(state))
	defer span.End()

	switch state {
	case StateExploring:
		r.explore(ctx)
		if r.ws.Len() == 0 {
			span.SetStatus(codes.Error, "all agents failed")
			return r.fail(&PhaseError{Phase: StateExploring, Err: ErrNoSolutions})
		}
		return r.after(StateExploring)

	case StateAggregating:
		r.aggregate(ctx)
		return r.after(StateAggregating)

	case StateStrategyLearning:
		r.learnStrategies(ctx)
		return StateVerifying

	case StateVerifying:
		r.verifyAll(ctx, r.ws.Unverified())
		return StateImproving

	case StateImproving:
		if err := r.improve(ctx); err != nil {
			span.RecordError(err)
			return r.fail(err)
		}
		return StateSelecting

	case StateFailed:
		if r.ws.Len() == 0 {
			return StateDone
		}
		return StateSelecting

	case StateSelecting:
		r.selection = r.selectAnswer(ctx)
		span.SetAttributes(attribute.String("mars.method", string(r.selection.Method)))
		return StateDone
	}
	return StateDone
}

func (r *run) after(s State) State {
	switch s {
	case StateExploring:
		if r.cfg.EnableAggregation {
			return StateAggregating
		}
		fallthrough
	case StateAggregating:
		if r.cfg.EnableStrategyNetwork {
			return StateStrategyLearning
		}
	}
	return StateVerifying
}

// checkBudget reports whether the wall-clock or token budget is spent.
func (r *run) checkBudget(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: timeout %s elapsed", ErrBudgetExceeded, r.cfg.Timeout)
		}
		return err
	}
	if b := r.cfg.TokenBudget; b > 0 {
		if spent := r.inv.spent(); spent >= b {
			return fmt.Errorf("%w: %d of %d tokens used", ErrBudgetExceeded, spent, b)
		}
	}
	return nil
}

func (r *run) explore(ctx context.Context) {
	r.emit(Event{Type: EventExplorationStarted, Data: map[string]any{"agents": len(r.agents)}})

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrency)
	for _, agent := range r.agents {
		g.Go(func() error {
			s, err := invoke(ctx, r.inv, r.cfg.CallTimeout, "generate", func(ctx context.Context) (Solution, error) {
				return agent.Generate(ctx, r.query, r.cfg.UseThinkingTags)
			})
			if err != nil {
				r.log.Warn("agent exploration failed", "agent", agent.ID, "error", err)
				r.emitError(&PhaseError{Phase: StateExploring, AgentID: agent.ID, Err: err})
				return nil
			}
			r.inv.spend(s.TokenCount)
			stored, err := r.ws.Insert(s)
			if err != nil {
				r.emitError(&PhaseError{Phase: StateExploring, AgentID: agent.ID, SolutionID: s.ID, Err: err})
				return nil
			}
			r.log.Debug("solution generated", "agent", agent.ID, "solution", stored.ID, "answer", stored.Answer)
			r.emit(Event{Type: EventSolutionGenerated, SolutionID: stored.ID, AgentID: agent.ID, Data: map[string]any{
				"answer":      stored.Answer,
				"temperature": stored.Temperature,
				"tokens":      stored.TokenCount,
			}})
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) aggregate(ctx context.Context) {
	r.emit(Event{Type: EventAggregationStarted, Data: map[string]any{
		"population_size": r.cfg.Aggregation.PopulationSize,
		"rounds":          r.cfg.Aggregation.Rounds,
		"selection":       r.cfg.Aggregation.Selection,
		"refinement":      r.cfg.Aggregation.Refinement,
	}})
	agg := newAggregator(r.cfg.Aggregation, r.agents, r.ws, r.query, r.cfg.CallTimeout, r.cfg.UseThinkingTags, r.inv, r.emit)
	report, err := agg.Run(ctx)
	if err != nil {
		r.log.Warn("aggregation stopped", "error", err)
		r.emitError(&PhaseError{Phase: StateAggregating, Err: err})
		return
	}
	r.log.Info("aggregation finished", "rounds", len(report.Rounds), "solutions", r.ws.Len())
}

func (r *run) learnStrategies(ctx context.Context) {
	r.emit(Event{Type: EventStrategyNetworkStarted})
	if r.store != nil {
		seed, err := r.store.LoadStrategies(ctx, r.cfg.Strategy.MaxActive)
		if err != nil {
			r.log.Warn("load strategies", "error", err)
		} else if n := r.network.Seed(seed); n > 0 {
			r.log.Info("strategies seeded from earlier runs", "count", n)
		}
	}

	var verified []Solution
	for _, s := range r.ws.Snapshot() {
		if s.Verified {
			verified = append(verified, s)
		}
	}
	r.extractStrategies(ctx, verified)
}

// verifyAll judges sols concurrently and returns the ones that became
// verified, in input order.
func (r *run) verifyAll(ctx context.Context, sols []Solution) []Solution {
	if len(sols) == 0 {
		return nil
	}
	r.emit(Event{Type: EventVerificationStarted, Data: map[string]any{"solutions": len(sols)}})

	verified := make([]*Solution, len(sols))
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrency)
	for i, s := range sols {
		g.Go(func() error {
			if v, ok := r.verifyOne(ctx, s); ok {
				verified[i] = &v
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []Solution
	for _, v := range verified {
		if v != nil {
			out = append(out, *v)
		}
	}
	if r.network != nil {
		r.extractStrategies(ctx, out)
	}
	return out
}

func (r *run) verifyOne(ctx context.Context, s Solution) (Solution, bool) {
	records := r.verifier.Verify(ctx, s)
	updated, err := r.ws.MarkVerified(s.ID, records, r.cfg.ConsensusThreshold)
	if err != nil {
		r.emitError(&PhaseError{Phase: r.currentState(), SolutionID: s.ID, Err: err})
		return Solution{}, false
	}
	failed := 0
	for _, rec := range records {
		if rec.Failed {
			failed++
		}
	}
	if failed > 0 {
		r.emitError(&PhaseError{Phase: r.currentState(), SolutionID: s.ID, Err: fmt.Errorf("%w: %d of %d judge calls failed", ErrVerification, failed, len(records))})
	}
	r.emit(Event{Type: EventSolutionVerified, SolutionID: s.ID, AgentID: s.AgentID, Data: map[string]any{
		"verified": updated.Verified,
		"score":    updated.Score,
		"passes":   updated.VerificationPasses,
		"failures": updated.VerificationFailures,
	}})
	return updated, updated.Verified
}

func (r *run) extractStrategies(ctx context.Context, sols []Solution) {
	if r.network == nil || len(sols) == 0 {
		return
	}
	for _, s := range sols {
		if ctx.Err() != nil {
			return
		}
		agent := r.authorOf(s, 0)
		st, err := invoke(ctx, r.inv, r.cfg.CallTimeout, "extract_strategy", func(ctx context.Context) (extracted, error) {
			st, added, err := r.network.Extract(ctx, agent, s)
			return extracted{Strategy: st, added: added}, err
		})
		if err != nil {
			r.log.Warn("strategy extraction failed", "solution", s.ID, "error", err)
			r.emitError(&PhaseError{Phase: r.currentState(), SolutionID: s.ID, AgentID: agent.ID, Err: err})
			continue
		}
		if !st.added {
			continue
		}
		r.emit(Event{Type: EventStrategyExtracted, SolutionID: s.ID, AgentID: agent.ID, Data: map[string]any{
			"strategy_id": st.ID,
			"description": st.Description,
		}})
	}
}

type extracted struct {
	Strategy
	added bool
}

// authorOf returns the agent that wrote s, or a round-robin pick for
// solutions not written by a single exploring agent.
func (r *run) authorOf(s Solution, turn int) *Agent {
	if len(s.SourceIDs) == 0 {
		for _, a := range r.agents {
			if a.ID == s.AgentID {
				return a
			}
		}
	}
	return r.agents[(int(s.Seq)+turn)%len(r.agents)]
}

// improve runs the bounded refinement loop over unverified frontier
// solutions.
func (r *run) improve(ctx context.Context) error {
	for r.iterations < r.cfg.MaxIterations {
		frontier := r.ws.Frontier()
		if len(frontier) == 0 {
			return nil
		}
		if err := r.checkBudget(ctx); err != nil {
			return &PhaseError{Phase: StateImproving, Err: err}
		}
		r.iterations++
		iteration := r.iterations

		targets := Rank(frontier, r.cfg.ImproveBatch, WorstFirst)
		var guidance string
		var strategyIDs []string
		if r.network != nil {
			guidance, strategyIDs = r.network.Guidance(r.cfg.Strategy.TopN)
		}
		r.emit(Event{Type: EventImprovementStarted, Iteration: iteration, Data: map[string]any{
			"targets":    len(targets),
			"strategies": len(strategyIDs),
		}})

		results := make([]*Solution, len(targets))
		var g errgroup.Group
		g.SetLimit(r.cfg.MaxConcurrency)
		for i, target := range targets {
			g.Go(func() error {
				agent := r.authorOf(target, iteration)
				s, err := invoke(ctx, r.inv, r.cfg.CallTimeout, "improve", func(ctx context.Context) (Solution, error) {
					return agent.Improve(ctx, r.query, target, target.Feedback(), guidance, r.cfg.UseThinkingTags)
				})
				if err != nil {
					r.log.Warn("improvement failed", "agent", agent.ID, "solution", target.ID, "error", err)
					r.emitError(&PhaseError{Phase: StateImproving, SolutionID: target.ID, AgentID: agent.ID, Err: err})
					return nil
				}
				r.inv.spend(s.TokenCount)
				s.StrategyIDs = strategyIDs
				stored, err := r.ws.Insert(s)
				if err != nil {
					r.emitError(&PhaseError{Phase: StateImproving, SolutionID: s.ID, AgentID: agent.ID, Err: err})
					return nil
				}
				r.emit(Event{Type: EventSolutionImproved, SolutionID: stored.ID, AgentID: agent.ID, Iteration: iteration, Data: map[string]any{
					"parent_id": target.ID,
					"answer":    stored.Answer,
				}})
				r.verifyOne(ctx, stored)
				if final, err := r.ws.Get(stored.ID); err == nil {
					results[i] = &final
				}
				return nil
			})
		}
		_ = g.Wait()

		if r.network != nil {
			var newlyVerified []Solution
			for _, s := range results {
				if s == nil {
					continue
				}
				for _, id := range s.StrategyIDs {
					r.network.Queue(id, s.Verified)
				}
				if s.Verified {
					newlyVerified = append(newlyVerified, *s)
				}
			}
			r.network.Apply()
			r.extractStrategies(ctx, newlyVerified)
		}

		st := r.ws.Stats()
		r.log.Info("improvement iteration finished", "iteration", iteration, "solutions", st.Total, "verified", st.Verified)
	}
	return nil
}

func (r *run) persistStrategies(ctx context.Context) {
	if r.store == nil || r.network == nil || r.network.Len() == 0 {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.SaveStrategies(saveCtx, r.network.All()); err != nil {
		r.log.Warn("save strategies", "error", err)
	}
}

func (r *run) output(started time.Time) *Output {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := &Output{
		RunID:           r.id,
		Query:           r.query,
		Answer:          r.selection.Answer,
		Reasoning:       r.selection.Reasoning,
		FinalSolutionID: r.selection.ID,
		Method:          r.selection.Method,
		TieBroken:       r.selection.TieBroken,
		Solutions:       r.ws.Snapshot(),
		Iterations:      r.iterations,
		TotalTokens:     r.inv.spent(),
		Status:          StatusCompleted,
		States:          append([]State(nil), r.states...),
		StartedAt:       started,
		CompletedAt:     time.Now().UTC(),
	}
	if r.network != nil {
		out.Strategies = r.network.All()
	}
	if r.failure != nil {
		out.FailureReason = r.failure.Error()
		out.Status = StatusFailed
		if errors.Is(r.failure, ErrBudgetExceeded) {
			out.Status = StatusBudgetExceeded
		}
	}
	return out
}
