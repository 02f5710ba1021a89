// Package host runs the collaborator side of a deployment: it feeds
// observation and candidate batches into the kernel, executes issued
// warrants, reports execution results back, and persists every stream of
// the run log. The host holds no authority of its own; anything it wants
// done goes through the kernel as a candidate like everyone else.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/kernel"
	"github.com/arbiter-labs/warden/pkg/runlog"
)

// Executor carries out warranted actions in the outside world. Failure is
// reported, never hidden; the kernel folds the record into the chain either
// way.
type Executor interface {
	Execute(ctx context.Context, w contracts.Warrant) contracts.ExecutionRecord
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, w contracts.Warrant) contracts.ExecutionRecord

func (f ExecutorFunc) Execute(ctx context.Context, w contracts.Warrant) contracts.ExecutionRecord {
	return f(ctx, w)
}

// Host drives a run: one kernel, one log directory, one executor.
type Host struct {
	kernel *kernel.Kernel
	log    *runlog.Writer
	exec   Executor
	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	runID  string
	cycles int64
	halted bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(h *Host) { h.logger = l } }

// WithClock injects a clock, for reproducible run metadata in tests.
func WithClock(clock func() time.Time) Option { return func(h *Host) { h.clock = clock } }

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option { return func(h *Host) { h.runID = id } }

// New wires a host. The kernel and writer must be fresh; a host never
// resumes a partially written run.
func New(k *kernel.Kernel, w *runlog.Writer, exec Executor, opts ...Option) *Host {
	h := &Host{
		kernel: k,
		log:    w,
		exec:   exec,
		logger: slog.Default(),
		tracer: otel.Tracer("warden/host"),
		clock:  time.Now,
		runID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunID returns the run identifier.
func (h *Host) RunID() string { return h.runID }

// Halted reports whether the kernel decided EXIT.
func (h *Host) Halted() bool { return h.halted }

// Start writes the RUN_START record.
func (h *Host) Start(ctx context.Context) error {
	meta := runlog.RunMeta{
		RunID:            h.runID,
		KernelVersion:    kernel.Version,
		ConstitutionHash: h.kernel.Rules().Hash,
		StartedAt:        h.clock().UTC(),
	}
	if err := h.log.RunStart(meta); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "run started",
		"run_id", h.runID,
		"kernel_version", kernel.Version,
		"constitution_hash", meta.ConstitutionHash)
	return nil
}

// Cycle runs one full cycle: decide, persist, execute, reconcile, seal.
func (h *Host) Cycle(ctx context.Context, observations []contracts.Observation, candidates []contracts.CandidateBundle) (kernel.CycleResult, error) {
	if h.halted {
		return kernel.CycleResult{}, fmt.Errorf("host: run halted by exit decision")
	}

	ctx, span := h.tracer.Start(ctx, "warden.cycle")
	defer span.End()

	res, err := h.kernel.RunCycle(observations, candidates)
	if err != nil {
		return kernel.CycleResult{}, err
	}
	span.SetAttributes(
		attribute.Int64("warden.cycle", res.Cycle),
		attribute.String("warden.decision", string(res.Terminal.Kind)),
		attribute.Int("warden.warrants", len(res.Warrants)),
	)

	for _, o := range res.Observations {
		if err := h.log.Observation(res.Cycle, o); err != nil {
			return kernel.CycleResult{}, err
		}
	}
	for _, b := range candidates {
		if err := h.log.Artifact(res.Cycle, b); err != nil {
			return kernel.CycleResult{}, err
		}
	}
	for _, rec := range res.Admission {
		if err := h.log.Admission(rec); err != nil {
			return kernel.CycleResult{}, err
		}
	}
	for _, rec := range res.Selector {
		if err := h.log.Selector(rec); err != nil {
			return kernel.CycleResult{}, err
		}
	}

	execution, err := h.executeWarrants(ctx, res)
	if err != nil {
		return kernel.CycleResult{}, err
	}

	head, err := h.kernel.Seal(res, execution)
	if err != nil {
		return kernel.CycleResult{}, err
	}
	if err := h.log.StateHash(res.Cycle, head); err != nil {
		return kernel.CycleResult{}, err
	}

	if res.Terminal.Kind == contracts.DecisionExit {
		// EXIT is decided by the kernel and honored by the host; nothing
		// executes it.
		h.halted = true
		h.logger.InfoContext(ctx, "exit decided, halting run", "cycle", res.Cycle)
	}

	h.logger.InfoContext(ctx, "cycle sealed",
		"cycle", res.Cycle,
		"decision", string(res.Terminal.Kind),
		"warrants", len(res.Warrants),
		"gas_spent", res.GasSpent,
		"state_hash", head)
	h.cycles++
	return res, nil
}

// executeWarrants runs each issued warrant and records the outcome. Only a
// successful execution is queued to the outbox and reconciled; a failed
// warrant leaves an execution record and nothing else. A cycle with no
// warrants still records a NO_ACTION outcome so the execution stream covers
// every cycle.
func (h *Host) executeWarrants(ctx context.Context, res kernel.CycleResult) ([]contracts.ExecutionRecord, error) {
	if len(res.Warrants) == 0 {
		rec := contracts.ExecutionRecord{Cycle: res.Cycle, Status: contracts.ExecNoAction}
		if err := h.log.Execution(rec); err != nil {
			return nil, err
		}
		return []contracts.ExecutionRecord{rec}, nil
	}

	var execution []contracts.ExecutionRecord
	for _, w := range res.Warrants {
		rec := h.exec.Execute(ctx, w)
		rec.Cycle = res.Cycle
		rec.WarrantID = w.ID
		execution = append(execution, rec)

		if err := h.log.Execution(rec); err != nil {
			return nil, err
		}
		if rec.Status == contracts.ExecFailure {
			h.logger.WarnContext(ctx, "warrant execution failed",
				"cycle", res.Cycle, "warrant_id", w.ID, "detail", rec.Detail)
			continue
		}
		if err := h.log.Outbox(contracts.OutboxRecord{Cycle: res.Cycle, WarrantID: w.ID}); err != nil {
			return nil, err
		}
		if err := h.log.Reconciliation(contracts.ReconciliationRecord{
			Cycle: res.Cycle, WarrantID: w.ID, Status: rec.Status,
		}); err != nil {
			return nil, err
		}
	}
	return execution, nil
}

// Complete writes RUN_COMPLETE and closes the log streams.
func (h *Host) Complete(ctx context.Context) error {
	err := h.log.RunComplete(runlog.RunComplete{
		Cycles:      h.cycles,
		FinalHash:   h.kernel.Head(),
		CompletedAt: h.clock().UTC(),
	})
	if cerr := h.log.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		h.logger.InfoContext(ctx, "run complete", "run_id", h.runID, "cycles", h.cycles)
	}
	return err
}
