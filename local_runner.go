package procflow

import (
	"context"
	"errors"
	"sync"

	"github.com/appforge/procflow/internal/engine"
	"github.com/appforge/procflow/internal/persistence"
)

// LocalRunner bundles an in-memory Orchestrator with its background loops
// to provide a simple single-process runner for development and tests.
//
// Typical usage:
//
//	runner := procflow.NewLocalRunner()
//	_ = runner.Orchestrator.RegisterProcess(ctx, spec)
//
//	_ = runner.Start(ctx)
//	run, err := runner.Orchestrator.StartProcess(ctx, spec.Name, inputs)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Orchestrator executes runs on an in-process worker pool.
	Orchestrator *Orchestrator

	// Store is the in-memory state behind the orchestrator.
	Store Store

	mu      sync.Mutex
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory state.
func NewLocalRunner() *LocalRunner {
	store := persistence.NewInMemoryStore()
	orch, err := engine.New(Options{Store: store})
	if err != nil {
		// Only reachable with a nil store.
		panic(err)
	}
	return &LocalRunner{
		Orchestrator: orch,
		Store:        store,
	}
}

// Start launches the scheduler and task-monitor loops. Calling Start twice
// without Stop is an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("procflow: LocalRunner already started")
	}
	r.Orchestrator.StartLoops(ctx)
	r.running = true
	return nil
}

// Stop stops the background loops and drains in-flight runs.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	_ = r.Orchestrator.Close()
	r.running = false
}
