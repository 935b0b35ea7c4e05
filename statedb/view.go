// Package statedb defines the read-only state view the pipeline consults
// when classifying transactions, and an in-memory implementation suitable
// for tests and embedders that have not wired a real backing store.
package statedb

import (
	"sync"

	"github.com/eth2030/execpipeline/txtypes"
)

// View supports fetching an account's on-chain sequence number as of a
// fixed checkpoint. A missing account defaults to sequence number 0, so
// that a transaction from a never-before-seen sender is never spuriously
// classified stale.
type View interface {
	AccountSequenceNumber(addr txtypes.Address) (uint64, error)
}

// Reader produces the latest checkpoint view. Implementations are shared,
// read-only handles held by the pipeline for its lifetime.
type Reader interface {
	LatestStateCheckpointView() (View, error)
}

// MemView is an in-memory View backed by a map, guarded by a mutex since it
// is read concurrently by the classification worker pool.
type MemView struct {
	mu    sync.RWMutex
	seqno map[txtypes.Address]uint64
}

// NewMemView creates an empty MemView.
func NewMemView() *MemView {
	return &MemView{seqno: make(map[txtypes.Address]uint64)}
}

// Set records the on-chain sequence number for addr.
func (v *MemView) Set(addr txtypes.Address, seq uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seqno[addr] = seq
}

// AccountSequenceNumber implements View. A missing account returns 0, nil.
func (v *MemView) AccountSequenceNumber(addr txtypes.Address) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seqno[addr], nil
}

// MemReader wraps a single MemView as a Reader, for tests that hold a
// fixed checkpoint for the lifetime of the pipeline.
type MemReader struct {
	View *MemView
}

// NewMemReader creates a MemReader over a fresh MemView.
func NewMemReader() *MemReader {
	return &MemReader{View: NewMemView()}
}

// LatestStateCheckpointView implements Reader.
func (r *MemReader) LatestStateCheckpointView() (View, error) {
	return r.View, nil
}
