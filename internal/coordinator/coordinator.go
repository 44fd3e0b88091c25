// Package coordinator implements the Atomic Coordinator (C8 in spec.md):
// it executes a write across the heterogeneous backends (RS, VI/UIL, GS,
// CS) with ACID-like semantics — ordered apply, reverse-order
// compensation on required-step failure, and an affected_backends
// report that never claims success for a backend that did not commit.
package coordinator

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ltmc/internal/errutil"
	"ltmc/internal/logging"
	"ltmc/internal/types"
)

// Status is the terminal disposition of one step's backend.
type Status string

const (
	StatusCommitted  Status = "committed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusSkipped    Status = "skipped"
)

// Step is one backend operation within a Transaction, paired with its
// compensation (inverse). Compensate may be nil for operations that
// cannot be meaningfully undone (the step is then best-effort only).
type Step struct {
	Backend    types.Backend
	Required   bool
	Apply      func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Transaction is an ordered list of steps sharing one transaction id.
// Callers build the list in the order SR prescribes for the operation
// (spec.md §4.9's ordering rules); the coordinator does not reorder it.
type Transaction struct {
	ID    string
	Steps []Step
}

// NewTransaction allocates a transaction id and an empty step list.
func NewTransaction() *Transaction {
	return &Transaction{ID: uuid.NewString()}
}

// AddStep appends one step to the transaction.
func (tx *Transaction) AddStep(step Step) {
	tx.Steps = append(tx.Steps, step)
}

// BackendResult is the per-backend outcome reported back to the caller.
type BackendResult struct {
	Backend        types.Backend
	Status         Status
	Error          string
	FallbackReason string
}

// Result is what Execute returns: the transaction id, the backends that
// actually committed, and a per-backend breakdown. AffectedBackends must
// never list a backend whose Status is anything but StatusCommitted —
// that is the accurate-success-reporting invariant spec.md §4.9 calls
// out by name.
type Result struct {
	TransactionID     string
	AffectedBackends  []types.Backend
	PerBackendResults []BackendResult
}

// Coordinator executes transactions. It holds no backend state of its
// own; Deps in transactions.go wires the concrete backend adapters into
// the Step closures a caller submits.
type Coordinator struct {
	log *zap.Logger
}

// New builds a Coordinator.
func New() *Coordinator {
	return &Coordinator{log: logging.For("coordinator")}
}

// Execute runs tx's steps in order. A required step's failure aborts the
// transaction: every previously-committed step's compensation is popped
// and run in reverse, best-effort, and the method returns a non-nil
// error. A non-required step's failure is recorded and execution
// continues — spec.md's "non-required backend fails → continue" rule.
func (c *Coordinator) Execute(ctx context.Context, tx *Transaction) (*Result, error) {
	result := &Result{TransactionID: tx.ID}
	var compensations []Step

	for _, step := range tx.Steps {
		err := step.Apply(ctx)
		if err != nil {
			if step.Required {
				result.PerBackendResults = append(result.PerBackendResults, BackendResult{
					Backend: step.Backend,
					Status:  StatusFailed,
					Error:   err.Error(),
				})
				c.rollback(ctx, tx.ID, compensations, result)
				result.AffectedBackends = committedBackends(result.PerBackendResults)
				return result, errutil.Wrap(errutil.BackendFailed, err, "transaction %s aborted: required backend %s failed", tx.ID, step.Backend)
			}

			result.PerBackendResults = append(result.PerBackendResults, BackendResult{
				Backend:        step.Backend,
				Status:         StatusFailed,
				Error:          err.Error(),
				FallbackReason: "non-required backend failed, continuing without it",
			})
			c.log.Warn("non-required backend step failed, continuing",
				zap.String("transaction_id", tx.ID), zap.String("backend", string(step.Backend)), zap.Error(err))
			continue
		}

		result.PerBackendResults = append(result.PerBackendResults, BackendResult{Backend: step.Backend, Status: StatusCommitted})
		if step.Compensate != nil {
			compensations = append(compensations, step)
		}
	}

	result.AffectedBackends = committedBackends(result.PerBackendResults)
	return result, nil
}

// rollback pops compensations in reverse (LIFO) and runs each
// best-effort, flipping the corresponding per-backend result to
// rolled_back. A compensation failure is logged and does not stop the
// remaining rollbacks (spec.md §4.9 step 4: "best-effort").
func (c *Coordinator) rollback(ctx context.Context, txID string, compensations []Step, result *Result) {
	for i := len(compensations) - 1; i >= 0; i-- {
		step := compensations[i]
		if err := step.Compensate(ctx); err != nil {
			c.log.Error("compensation failed during rollback",
				zap.String("transaction_id", txID), zap.String("backend", string(step.Backend)), zap.Error(err))
		}
		for j := range result.PerBackendResults {
			if result.PerBackendResults[j].Backend == step.Backend && result.PerBackendResults[j].Status == StatusCommitted {
				result.PerBackendResults[j].Status = StatusRolledBack
				break
			}
		}
	}
}

func committedBackends(results []BackendResult) []types.Backend {
	var out []types.Backend
	for _, r := range results {
		if r.Status == StatusCommitted {
			out = append(out, r.Backend)
		}
	}
	return out
}
