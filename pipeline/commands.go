package pipeline

import (
	"context"

	"github.com/eth2030/execpipeline/executor"
	"github.com/eth2030/execpipeline/txtypes"
)

// BlockPreparer materializes input transactions from a consensus proposal.
type BlockPreparer interface {
	PrepareBlock(ctx context.Context, block *txtypes.Block, window *txtypes.BlockWindow) ([]*txtypes.Transaction, error)
}

// PipelineExecutionResult is the value delivered on a successful
// submission: the original, pre-classification input transactions plus the
// ledger-update output.
type PipelineExecutionResult struct {
	InputTxns    []*txtypes.Transaction
	LedgerOutput executor.LedgerUpdateOutput
}

// Result is what a submission's completion sink carries: exactly one of
// Value or Err is set.
type Result struct {
	Value *PipelineExecutionResult
	Err   error
}

// sink is a submission's private, one-shot completion channel. Ownership of
// a sink transfers atomically at each stage boundary: exactly one command
// holds it at any moment, and exactly one stage ever writes to it.
type sink chan Result

func newSink() sink { return make(sink, 1) }

// PrepareCommand is a Submission as delivered to PrepareStage.
type PrepareCommand struct {
	Ctx           context.Context
	Block         *txtypes.Block
	Window        *txtypes.BlockWindow
	Metadata      []byte
	ParentBlockID txtypes.Hash
	Preparer      BlockPreparer
	Config        executor.Config
	sink          sink
}

// ExecuteCommand is produced by PrepareStage on success and consumed by
// ExecuteStage.
type ExecuteCommand struct {
	Ctx           context.Context
	InputTxns     []*txtypes.Transaction
	Block         txtypes.ExecutableBlock
	ParentBlockID txtypes.Hash
	Config        executor.Config
	sink          sink
}

// LedgerApplyCommand is produced by ExecuteStage and consumed by
// LedgerApplyStage. Checkpoint and CheckpointErr are mutually exclusive;
// CheckpointErr carries the executor's error forward verbatim rather than
// short-circuiting at ExecuteStage.
type LedgerApplyCommand struct {
	Ctx           context.Context
	InputTxns     []*txtypes.Transaction
	BlockID       txtypes.Hash
	ParentBlockID txtypes.Hash
	Checkpoint    executor.StateCheckpoint
	CheckpointErr error
	sink          sink
}

// deliver sends result on s and closes it. It never blocks: the channel has
// capacity 1 and is written to exactly once by construction.
func deliver(s sink, result Result) {
	s <- result
	close(s)
}
