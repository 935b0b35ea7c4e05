package pipeline

import (
	"errors"
	"fmt"

	"github.com/eth2030/execpipeline/txtypes"
)

// PreparationError wraps a failure returned by the external BlockPreparer.
// The submission ends here; no ExecuteCommand is produced.
type PreparationError struct {
	BlockID txtypes.Hash
	Cause   error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("pipeline: preparing block %s: %v", e.BlockID, e.Cause)
}

func (e *PreparationError) Unwrap() error { return e.Cause }

// InternalError marks a non-recoverable condition: failure to obtain the
// latest state checkpoint view, or a recovered panic inside a blocking
// worker. Per the pipeline's contract these are bugs, not runtime
// conditions, and the process is expected to abort after this error is
// logged.
type InternalError struct {
	BlockID txtypes.Hash
	Cause   error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("pipeline: internal error for block %s: %v", e.BlockID, e.Cause)
}

func (e *InternalError) Unwrap() error { return e.Cause }

// ExecutionError wraps an error returned by BlockExecutor.ExecuteAndStateCheckpoint.
// It is carried through ExecuteStage unchanged and surfaced by LedgerApplyStage.
type ExecutionError struct {
	BlockID txtypes.Hash
	Cause   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline: executing block %s: %v", e.BlockID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// LedgerUpdateError wraps an error returned by BlockExecutor.LedgerUpdate.
type LedgerUpdateError struct {
	BlockID txtypes.Hash
	Cause   error
}

func (e *LedgerUpdateError) Error() string {
	return fmt.Sprintf("pipeline: ledger-update for block %s: %v", e.BlockID, e.Cause)
}

func (e *LedgerUpdateError) Unwrap() error { return e.Cause }

// Sentinel causes used by the fault-injection points (category 7 in the
// error taxonomy: injected errors shaped like an existing category).
var (
	// ErrInjectedLookupFailure is returned in place of a real sequence-number
	// lookup while the lookup fault point is armed; like any lookup failure,
	// it makes the transaction classify Invalid.
	ErrInjectedLookupFailure = errors.New("pipeline: injected sequence-number lookup failure")

	// ErrInjectedExecution is the cause wrapped in an InternalError produced
	// by the armed ExecuteStage fault point.
	ErrInjectedExecution = errors.New("pipeline: injected execution failure")

	// ErrPipelineClosed is returned by Queue after the pipeline has been
	// shut down.
	ErrPipelineClosed = errors.New("pipeline: closed")
)
