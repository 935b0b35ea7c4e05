// Package executor defines the collaborator contract the pipeline's
// ExecuteStage and LedgerApplyStage invoke: deterministic block execution
// and ledger-update finalization. Both are synchronous and CPU-bound from
// the pipeline's point of view; the pipeline is responsible for keeping
// them off its own scheduling goroutines.
package executor

import "github.com/eth2030/execpipeline/txtypes"

// Config carries the on-chain execution configuration the executor needs,
// passed through the pipeline verbatim.
type Config struct {
	ChainID  uint64
	GasLimit uint64
}

// StateCheckpoint is the executor's intermediate artifact after computing a
// block's state transition but before ledger finalization. Its contents are
// opaque to the pipeline; it is only ever handed back to the same
// BlockExecutor that produced it.
type StateCheckpoint struct {
	BlockID  txtypes.Hash
	RootHash txtypes.Hash
	GasUsed  uint64
}

// LedgerUpdateOutput is the result of finalizing a state checkpoint into
// the ledger.
type LedgerUpdateOutput struct {
	BlockID      txtypes.Hash
	LedgerHeight uint64
}

// BlockExecutor computes state transitions and ledger updates for prepared,
// classified blocks. Implementations must be safe for concurrent use: the
// pipeline holds a single shared handle across all three stages.
type BlockExecutor interface {
	// ExecuteAndStateCheckpoint computes the state checkpoint for block
	// against its parent. It is CPU-bound and deterministic.
	ExecuteAndStateCheckpoint(block txtypes.ExecutableBlock, parentBlockID txtypes.Hash, cfg Config) (StateCheckpoint, error)

	// LedgerUpdate finalizes checkpoint into the ledger as blockID's
	// extension of parentBlockID.
	LedgerUpdate(blockID, parentBlockID txtypes.Hash, checkpoint StateCheckpoint) (LedgerUpdateOutput, error)
}
