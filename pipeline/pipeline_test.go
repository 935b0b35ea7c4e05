package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/execpipeline/executor"
	"github.com/eth2030/execpipeline/preparer"
	"github.com/eth2030/execpipeline/statedb"
	"github.com/eth2030/execpipeline/txtypes"
)

const testSigningHash = "0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func makeUserTxn(t *testing.T, seq uint64) (*txtypes.Transaction, txtypes.Address) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hash := txtypes.HexToHash(testSigningHash)
	sig, err := ethcrypto.Sign(hash.Bytes(), key)
	if err != nil {
		t.Fatal(err)
	}
	addr := txtypes.BytesToAddress(ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	txn := &txtypes.Transaction{
		Kind:           txtypes.User,
		Sender:         addr,
		SequenceNumber: uint256.NewInt(seq),
		SigningHash:    hash,
		Signature:      sig,
	}
	return txn, addr
}

// fakeExecutor is a configurable executor.BlockExecutor test double. All
// mutable configuration must be set before the pipeline starts calling it.
type fakeExecutor struct {
	mu            sync.Mutex
	executeCalls  []txtypes.Hash
	executeBlocks []txtypes.ExecutableBlock
	ledgerCalls   []txtypes.Hash

	executeErr map[txtypes.Hash]error
	ledgerErr  map[txtypes.Hash]error
	blockUntil map[txtypes.Hash]<-chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		executeErr: make(map[txtypes.Hash]error),
		ledgerErr:  make(map[txtypes.Hash]error),
		blockUntil: make(map[txtypes.Hash]<-chan struct{}),
	}
}

func (f *fakeExecutor) ExecuteAndStateCheckpoint(block txtypes.ExecutableBlock, _ txtypes.Hash, _ executor.Config) (executor.StateCheckpoint, error) {
	f.mu.Lock()
	f.executeCalls = append(f.executeCalls, block.BlockID)
	f.executeBlocks = append(f.executeBlocks, block)
	wait := f.blockUntil[block.BlockID]
	err := f.executeErr[block.BlockID]
	f.mu.Unlock()

	if wait != nil {
		<-wait
	}
	if err != nil {
		return executor.StateCheckpoint{}, err
	}
	return executor.StateCheckpoint{BlockID: block.BlockID}, nil
}

func (f *fakeExecutor) LedgerUpdate(blockID, _ txtypes.Hash, _ executor.StateCheckpoint) (executor.LedgerUpdateOutput, error) {
	f.mu.Lock()
	f.ledgerCalls = append(f.ledgerCalls, blockID)
	err := f.ledgerErr[blockID]
	f.mu.Unlock()

	if err != nil {
		return executor.LedgerUpdateOutput{}, err
	}
	return executor.LedgerUpdateOutput{BlockID: blockID, LedgerHeight: 1}, nil
}

func (f *fakeExecutor) executeCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executeCalls)
}

func (f *fakeExecutor) ledgerCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ledgerCalls)
}

func newTestPipeline(db statedb.Reader, exec executor.BlockExecutor) *ExecutionPipeline {
	return Spawn(db, exec, 4, 2)
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestHappyPath(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0xaa")

	t1, addr1 := makeUserTxn(t, 5)
	t2, addr2 := makeUserTxn(t, 5)
	reader.View.Set(addr1, 5)
	reader.View.Set(addr2, 5)
	inputTxns := []*txtypes.Transaction{t1, t2}
	prep.SetTransactions(blockID, inputTxns)

	ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	result := awaitResult(t, ch)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Value.InputTxns) != len(inputTxns) {
		t.Fatalf("InputTxns len = %d, want %d", len(result.Value.InputTxns), len(inputTxns))
	}
	for i := range inputTxns {
		if result.Value.InputTxns[i] != inputTxns[i] {
			t.Errorf("InputTxns[%d] = %v, want %v", i, result.Value.InputTxns[i], inputTxns[i])
		}
	}
	if result.Value.LedgerOutput.BlockID != blockID {
		t.Errorf("LedgerOutput.BlockID = %v, want %v", result.Value.LedgerOutput.BlockID, blockID)
	}
}

func TestSingleReply(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0xbb")
	prep.SetTransactions(blockID, nil)

	ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	awaitResult(t, ch)

	// deliver closes the channel right after sending, so the close may land
	// just after the value was received; wait briefly for it.
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after single delivery")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed after draining the single value")
	}
}

func TestStaleTransactionClassifiedInvalidButBlockStillExecutes(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0xcc")

	staleTxn, addr := makeUserTxn(t, 4)
	reader.View.Set(addr, 7)
	prep.SetTransactions(blockID, []*txtypes.Transaction{staleTxn})

	ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	result := awaitResult(t, ch)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if exec.executeCallCount() != 1 {
		t.Fatalf("executeCallCount = %d, want 1 (stale txn must not prevent execution)", exec.executeCallCount())
	}
}

func TestNonUserPassThroughWithoutLookup(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()
	p.ArmClassificationLookupFault(true)

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0xdd")
	validatorTxn := &txtypes.Transaction{ID: txtypes.HexToHash("0x01"), Kind: txtypes.Validator}
	prep.SetTransactions(blockID, nil)

	ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID, ValidatorTxns: []*txtypes.Transaction{validatorTxn}}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	result := awaitResult(t, ch)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	// With the lookup fault armed, a transaction that reached the
	// sequence-number lookup would be tagged Invalid, so a Valid tag shows
	// the validator transaction passed without one.
	exec.mu.Lock()
	blocks := append([]txtypes.ExecutableBlock(nil), exec.executeBlocks...)
	exec.mu.Unlock()
	if len(blocks) != 1 || len(blocks[0].Transactions) != 1 {
		t.Fatalf("executed blocks = %v, want one block with one transaction", blocks)
	}
	if !blocks[0].Transactions[0].Valid {
		t.Fatal("validator transaction classified Invalid, want Valid without a lookup")
	}
}

func TestPreparerErrorShortCircuitsExecution(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0xee")
	wantErr := errors.New("boom")
	prep.SetError(blockID, wantErr)

	ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	result := awaitResult(t, ch)
	if result.Err == nil {
		t.Fatal("expected an error")
	}
	var prepErr *PreparationError
	if !errors.As(result.Err, &prepErr) {
		t.Fatalf("expected *PreparationError, got %T: %v", result.Err, result.Err)
	}
	if !errors.Is(result.Err, wantErr) {
		t.Fatalf("expected error to wrap %v, got %v", wantErr, result.Err)
	}
	if exec.executeCallCount() != 0 {
		t.Fatalf("executeCallCount = %d, want 0", exec.executeCallCount())
	}
}

func TestExecutorErrorPassesThroughWithoutLedgerUpdate(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0xff")
	prep.SetTransactions(blockID, nil)
	wantErr := errors.New("execution boom")
	exec.executeErr[blockID] = wantErr

	ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	result := awaitResult(t, ch)
	if result.Err == nil {
		t.Fatal("expected an error")
	}
	var execErr *ExecutionError
	if !errors.As(result.Err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %T: %v", result.Err, result.Err)
	}
	if exec.ledgerCallCount() != 0 {
		t.Fatalf("ledgerCallCount = %d, want 0", exec.ledgerCallCount())
	}
}

func TestClassificationLookupFaultInjection(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()
	p.ArmClassificationLookupFault(true)

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0x11")
	txn, addr := makeUserTxn(t, 1)
	reader.View.Set(addr, 0)
	prep.SetTransactions(blockID, []*txtypes.Transaction{txn})

	ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	result := awaitResult(t, ch)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if exec.executeCallCount() != 1 {
		t.Fatalf("executeCallCount = %d, want 1", exec.executeCallCount())
	}
}

func TestExecuteFaultInjection(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()
	p.ArmExecuteFault(true)

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0x22")
	prep.SetTransactions(blockID, nil)

	ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	result := awaitResult(t, ch)
	if result.Err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(result.Err, ErrInjectedExecution) {
		t.Fatalf("expected error to wrap ErrInjectedExecution, got %v", result.Err)
	}
	if exec.executeCallCount() != 0 {
		t.Fatalf("executeCallCount = %d, want 0 (injected fault bypasses the real executor call)", exec.executeCallCount())
	}
}

func TestOrderPreservationAndNonBlockingEnqueue(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()

	blockA := txtypes.HexToHash("0xa1")
	blockB := txtypes.HexToHash("0xa2")
	blockC := txtypes.HexToHash("0xa3")
	prep.SetTransactions(blockA, nil)
	prep.SetTransactions(blockB, nil)
	prep.SetTransactions(blockC, nil)

	gate := make(chan struct{})
	exec.blockUntil[blockA] = gate

	chA, err := p.Queue(context.Background(), &txtypes.Block{ID: blockA}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue A: %v", err)
	}

	// A is now blocked inside ExecuteStage. Queue never blocks on an
	// in-flight block further down the pipeline, so B and C must enqueue
	// immediately even though A has not released the execute stage yet.
	chB, err := p.Queue(context.Background(), &txtypes.Block{ID: blockB}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue B: %v", err)
	}
	chC, err := p.Queue(context.Background(), &txtypes.Block{ID: blockC}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue C: %v", err)
	}

	// Neither B nor C may reach LedgerApplyStage while A occupies
	// ExecuteStage, since ExecuteStage processes one command at a time.
	select {
	case <-chB:
		t.Fatal("B completed before A's execute step returned")
	case <-chC:
		t.Fatal("C completed before A's execute step returned")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	resultA := awaitResult(t, chA)
	if resultA.Err != nil {
		t.Fatalf("A: unexpected error: %v", resultA.Err)
	}
	resultB := awaitResult(t, chB)
	if resultB.Err != nil {
		t.Fatalf("B: unexpected error: %v", resultB.Err)
	}
	resultC := awaitResult(t, chC)
	if resultC.Err != nil {
		t.Fatalf("C: unexpected error: %v", resultC.Err)
	}

	exec.mu.Lock()
	calls := append([]txtypes.Hash(nil), exec.executeCalls...)
	exec.mu.Unlock()
	want := []txtypes.Hash{blockA, blockB, blockC}
	if len(calls) != len(want) {
		t.Fatalf("execute calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("execute call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestBackToBackBlocksAllComplete(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()

	const n = 50
	channels := make([]<-chan Result, n)
	for i := 0; i < n; i++ {
		blockID := txtypes.BytesToHash([]byte{byte(i), byte(i >> 8)})
		prep.SetTransactions(blockID, nil)
		ch, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
		if err != nil {
			t.Fatalf("Queue %d: %v", i, err)
		}
		channels[i] = ch
	}

	for i, ch := range channels {
		result := awaitResult(t, ch)
		if result.Err != nil {
			t.Fatalf("block %d: unexpected error: %v", i, result.Err)
		}
	}
}

func TestQueueAfterShutdownReturnsErrPipelineClosed(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	p.Shutdown()

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0x99")
	prep.SetTransactions(blockID, nil)

	_, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
}

func TestInternalErrorFromStateViewAborts(t *testing.T) {
	abortCh := make(chan *InternalError, 1)
	prevAbort := abortFn
	abortFn = func(err *InternalError) { abortCh <- err }
	defer func() { abortFn = prevAbort }()

	reader := failingReader{}
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0xabc")
	prep.SetTransactions(blockID, nil)

	_, err := p.Queue(context.Background(), &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	select {
	case gotErr := <-abortCh:
		if !errors.Is(gotErr, errFailingReader) {
			t.Fatalf("expected InternalError wrapping errFailingReader, got %v", gotErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for abort")
	}
}

func TestCancelledContextDropsDeliveryInsteadOfBlocking(t *testing.T) {
	reader := statedb.NewMemReader()
	exec := newFakeExecutor()
	p := newTestPipeline(reader, exec)
	defer p.Shutdown()

	prep := preparer.NewStaticPreparer()
	blockID := txtypes.HexToHash("0x7e")
	prep.SetTransactions(blockID, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch, err := p.Queue(ctx, &txtypes.Block{ID: blockID}, &txtypes.BlockWindow{}, nil, txtypes.Hash{}, prep, executor.Config{})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed without a value when ctx was already cancelled")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dropped completion to close the channel")
	}
}

var errFailingReader = errors.New("state database unreachable")

type failingReader struct{}

func (failingReader) LatestStateCheckpointView() (statedb.View, error) {
	return nil, errFailingReader
}
