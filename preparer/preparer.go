// Package preparer provides a deterministic, in-memory BlockPreparer
// implementation suitable for tests and for embedders that source input
// transactions from a precomputed mempool snapshot rather than a live
// consensus proposal.
package preparer

import (
	"context"
	"errors"
	"sync"

	"github.com/eth2030/execpipeline/txtypes"
)

// ErrNoTransactionsForBlock is returned by StaticPreparer when no
// transactions were registered for the requested block id.
var ErrNoTransactionsForBlock = errors.New("preparer: no transactions registered for block")

// StaticPreparer returns a fixed, pre-registered set of transactions per
// block id, or a pre-registered error. It exists so tests can drive the
// pipeline's PrepareStage without a real consensus proposal.
type StaticPreparer struct {
	mu    sync.Mutex
	txns  map[txtypes.Hash][]*txtypes.Transaction
	errs  map[txtypes.Hash]error
}

// NewStaticPreparer creates an empty StaticPreparer.
func NewStaticPreparer() *StaticPreparer {
	return &StaticPreparer{
		txns: make(map[txtypes.Hash][]*txtypes.Transaction),
		errs: make(map[txtypes.Hash]error),
	}
}

// SetTransactions registers the transactions PrepareBlock should return for
// blockID.
func (p *StaticPreparer) SetTransactions(blockID txtypes.Hash, txns []*txtypes.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txns[blockID] = txns
}

// SetError registers the error PrepareBlock should return for blockID.
func (p *StaticPreparer) SetError(blockID txtypes.Hash, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[blockID] = err
}

// PrepareBlock implements pipeline.BlockPreparer.
func (p *StaticPreparer) PrepareBlock(_ context.Context, block *txtypes.Block, _ *txtypes.BlockWindow) ([]*txtypes.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.errs[block.ID]; ok {
		return nil, err
	}
	txns, ok := p.txns[block.ID]
	if !ok {
		return nil, ErrNoTransactionsForBlock
	}
	return txns, nil
}
