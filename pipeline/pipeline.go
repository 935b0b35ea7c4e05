// Package pipeline implements the block execution pipeline: a three-stage
// streaming conveyor (PrepareStage, ExecuteStage, LedgerApplyStage) that
// turns a consensus-ordered block into a committed ledger extension.
//
// A single external submission traverses all three stages and is answered
// exactly once via a private completion channel bound to the submission.
// Stages are connected by unbounded single-producer/single-consumer queues
// so that consecutive blocks can overlap in flight: block N can be
// ledger-applied while N+1 executes and N+2 is prepared.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/eth2030/execpipeline/executor"
	"github.com/eth2030/execpipeline/log"
	"github.com/eth2030/execpipeline/metrics"
	"github.com/eth2030/execpipeline/statedb"
	"github.com/eth2030/execpipeline/txtypes"
)

// ExecutionPipeline owns the prepare queue's producer endpoint and the
// three stage goroutines. The block executor and state database reader are
// shared, read-only handles held for the pipeline's lifetime.
type ExecutionPipeline struct {
	db   statedb.Reader
	exec executor.BlockExecutor

	classifier *classifier

	prepareQ *unboundedQueue[*PrepareCommand]
	executeQ *unboundedQueue[*ExecuteCommand]
	ledgerQ  *unboundedQueue[*LedgerApplyCommand]

	executeFault atomic.Bool
	closed       atomic.Bool
	stopped      chan struct{}

	log *log.Logger
}

// Spawn constructs the three inter-stage queues, spawns the three stage
// goroutines, and returns a handle holding only the prepare queue's
// producer endpoint. workers and batchFloor configure the classification
// worker pool (see config.Default for recommended values).
func Spawn(db statedb.Reader, exec executor.BlockExecutor, workers, batchFloor int) *ExecutionPipeline {
	p := &ExecutionPipeline{
		db:         db,
		exec:       exec,
		classifier: newClassifier(workers, batchFloor),
		prepareQ:   newUnboundedQueue[*PrepareCommand](),
		executeQ:   newUnboundedQueue[*ExecuteCommand](),
		ledgerQ:    newUnboundedQueue[*LedgerApplyCommand](),
		stopped:    make(chan struct{}),
		log:        log.Default().Module("execution_pipeline"),
	}

	go p.prepareStage()
	go p.executeStage()
	go p.ledgerApplyStage()

	return p
}

// ArmClassificationLookupFault arms or disarms the fault-injection point
// inside PrepareStage's sequence-number lookup (spec.md §4.6, point one).
func (p *ExecutionPipeline) ArmClassificationLookupFault(armed bool) {
	p.classifier.armLookupFault(armed)
}

// ArmExecuteFault arms or disarms the fault-injection point at the entry of
// ExecuteStage's executor call (spec.md §4.6, point two).
func (p *ExecutionPipeline) ArmExecuteFault(armed bool) {
	p.executeFault.Store(armed)
}

// Queue submits a block for execution. It creates a private completion
// channel, enqueues a PrepareCommand, and returns immediately with a
// channel that will receive exactly one Result. Queue never blocks: the
// prepare queue is unbounded.
//
// Queue returns an error only if the pipeline has already been shut down;
// that condition is fatal for the submitter per spec.md §4.1, since there
// is no receiver left to ever process the command.
//
// ctx governs only the eventual reply, not processing: the block still
// traverses all three stages if the pipeline accepted it. If ctx is
// cancelled before LedgerApplyStage delivers, the result is dropped instead
// of written to a channel nobody is listening on (spec.md §7 category 6).
func (p *ExecutionPipeline) Queue(
	ctx context.Context,
	block *txtypes.Block,
	window *txtypes.BlockWindow,
	metadata []byte,
	parentBlockID txtypes.Hash,
	preparer BlockPreparer,
	cfg executor.Config,
) (<-chan Result, error) {
	if p.closed.Load() {
		return nil, ErrPipelineClosed
	}

	s := newSink()
	p.prepareQ.Push(&PrepareCommand{
		Ctx:           ctx,
		Block:         block,
		Window:        window,
		Metadata:      metadata,
		ParentBlockID: parentBlockID,
		Preparer:      preparer,
		Config:        cfg,
		sink:          s,
	})
	metrics.BlocksSubmitted.Inc()
	return s, nil
}

// Shutdown closes the prepare queue. The three stages drain any in-flight
// work and shut down in topological order; Shutdown does not wait for that
// to finish. After Shutdown, Queue returns ErrPipelineClosed.
func (p *ExecutionPipeline) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	p.prepareQ.Close()
}

// Stopped returns a channel closed once all three stages have exited.
func (p *ExecutionPipeline) Stopped() <-chan struct{} { return p.stopped }

// ---------------------------------------------------------------------------
// PrepareStage
// ---------------------------------------------------------------------------

func (p *ExecutionPipeline) prepareStage() {
	stageLog := p.log.Module("prepare_stage")
	for {
		cmd, ok := p.prepareQ.Pop()
		if !ok {
			stageLog.Info("prepare queue closed, stage exiting")
			p.executeQ.Close()
			return
		}
		p.prepareOne(stageLog, cmd)
	}
}

func (p *ExecutionPipeline) prepareOne(stageLog *log.Logger, cmd *PrepareCommand) {
	metrics.BlocksInPrepare.Inc()
	defer metrics.BlocksInPrepare.Dec()
	timer := metrics.NewTimer(metrics.PrepareLatency)
	defer timer.Stop()

	blockID := cmd.Block.ID

	// Step 1: invoke the preparer to obtain input user transactions.
	inputTxns, err := cmd.Preparer.PrepareBlock(context.Background(), cmd.Block, cmd.Window)
	if err != nil {
		metrics.PreparationErrors.Inc()
		p.finish(stageLog, cmd.Ctx, cmd.sink, Result{Err: &PreparationError{BlockID: blockID, Cause: err}})
		return
	}

	// Step 2-3: combine validator txns, input txns, and metadata.
	txns := txtypes.CombineToInputTransactions(cmd.Block.ValidatorTxns, inputTxns, cmd.Metadata)

	// Step 4: acquire the latest state checkpoint view. Failure aborts the
	// node; this is a non-recoverable internal condition.
	view, err := p.db.LatestStateCheckpointView()
	if err != nil {
		internalErr := &InternalError{BlockID: blockID, Cause: err}
		stageLog.Error("failed to acquire state checkpoint view, aborting", "block_id", blockID.Hex(), "error", err)
		p.finish(stageLog, cmd.Ctx, cmd.sink, Result{Err: internalErr})
		abort(internalErr)
		return
	}

	// Step 5: classify every transaction in parallel.
	storageReadStart := time.Now()
	result, err := p.classifier.classify(context.Background(), view, txns)
	storageReadLatency := time.Since(storageReadStart)
	metrics.StorageReadLatency.Observe(float64(storageReadLatency.Milliseconds()))
	if err != nil {
		internalErr := &InternalError{BlockID: blockID, Cause: err}
		stageLog.Error("classification worker failed, aborting", "block_id", blockID.Hex(), "error", err)
		p.finish(stageLog, cmd.Ctx, cmd.sink, Result{Err: internalErr})
		abort(internalErr)
		return
	}

	// Step 6: informational telemetry.
	stageLog.Info("block prepared",
		"block_id", blockID.Hex(),
		"txn_count", len(txns),
		"stale_count", result.staleCount,
		"lookup_failed_count", result.lookupFailed,
		"storage_read_ms", storageReadLatency.Milliseconds(),
	)

	// Step 7: enqueue the ExecuteCommand.
	p.executeQ.Push(&ExecuteCommand{
		Ctx:           cmd.Ctx,
		InputTxns:     inputTxns,
		Block:         txtypes.ExecutableBlock{BlockID: blockID, Transactions: result.txns},
		ParentBlockID: cmd.ParentBlockID,
		Config:        cmd.Config,
		sink:          cmd.sink,
	})
}

// ---------------------------------------------------------------------------
// ExecuteStage
// ---------------------------------------------------------------------------

func (p *ExecutionPipeline) executeStage() {
	stageLog := p.log.Module("execute_stage")
	for {
		cmd, ok := p.executeQ.Pop()
		if !ok {
			stageLog.Info("execute queue closed, stage exiting")
			p.ledgerQ.Close()
			return
		}
		p.executeOne(stageLog, cmd)
	}
}

func (p *ExecutionPipeline) executeOne(stageLog *log.Logger, cmd *ExecuteCommand) {
	metrics.BlocksInExecute.Inc()
	defer metrics.BlocksInExecute.Dec()
	timer := metrics.NewTimer(metrics.ExecuteLatency)
	defer timer.Stop()

	blockID := cmd.Block.BlockID

	var checkpoint executor.StateCheckpoint
	var execErr error

	if p.executeFault.Load() {
		execErr = &InternalError{BlockID: blockID, Cause: ErrInjectedExecution}
	} else {
		checkpoint, execErr = p.exec.ExecuteAndStateCheckpoint(cmd.Block, cmd.ParentBlockID, cmd.Config)
		if execErr != nil {
			metrics.ExecutionErrors.Inc()
			execErr = &ExecutionError{BlockID: blockID, Cause: execErr}
		}
	}

	// ExecuteStage never short-circuits: the result (success or error) is
	// carried forward to LedgerApplyStage, the single point of final reply.
	p.ledgerQ.Push(&LedgerApplyCommand{
		Ctx:           cmd.Ctx,
		InputTxns:     cmd.InputTxns,
		BlockID:       blockID,
		ParentBlockID: cmd.ParentBlockID,
		Checkpoint:    checkpoint,
		CheckpointErr: execErr,
		sink:          cmd.sink,
	})
}

// ---------------------------------------------------------------------------
// LedgerApplyStage
// ---------------------------------------------------------------------------

func (p *ExecutionPipeline) ledgerApplyStage() {
	stageLog := p.log.Module("ledger_apply_stage")
	for {
		cmd, ok := p.ledgerQ.Pop()
		if !ok {
			stageLog.Info("ledger-apply queue closed, stage exiting")
			close(p.stopped)
			return
		}
		p.ledgerApplyOne(stageLog, cmd)
	}
}

func (p *ExecutionPipeline) ledgerApplyOne(stageLog *log.Logger, cmd *LedgerApplyCommand) {
	metrics.BlocksInLedgerApply.Inc()
	defer metrics.BlocksInLedgerApply.Dec()
	timer := metrics.NewTimer(metrics.LedgerApplyLatency)
	defer timer.Stop()

	if cmd.CheckpointErr != nil {
		p.finish(stageLog, cmd.Ctx, cmd.sink, Result{Err: cmd.CheckpointErr})
		return
	}

	output, err := p.exec.LedgerUpdate(cmd.BlockID, cmd.ParentBlockID, cmd.Checkpoint)
	if err != nil {
		metrics.LedgerUpdateErrors.Inc()
		p.finish(stageLog, cmd.Ctx, cmd.sink, Result{Err: &LedgerUpdateError{BlockID: cmd.BlockID, Cause: err}})
		return
	}

	p.finish(stageLog, cmd.Ctx, cmd.sink, Result{Value: &PipelineExecutionResult{
		InputTxns:    cmd.InputTxns,
		LedgerOutput: output,
	}})
}

// finish delivers result on s, unless ctx was cancelled before the block
// finished traversing the pipeline — in that case the submitter is no
// longer listening, so the channel is closed without a value and the
// completion counts as a delivery drop (spec.md §7 category 6) rather than
// a successful reply.
func (p *ExecutionPipeline) finish(stageLog *log.Logger, ctx context.Context, s sink, result Result) {
	if ctx != nil && ctx.Err() != nil {
		close(s)
		metrics.DeliveryDrops.Inc()
		stageLog.Debug("submitter context done, dropping result", "error", result.Err)
		return
	}
	deliver(s, result)
	metrics.BlocksCompleted.Inc()
	if result.Err != nil {
		stageLog.Debug("delivered error result", "error", result.Err)
	}
}

// abort implements spec.md §7 category 3: InternalError is a bug, not a
// runtime condition, and the node is expected to not continue past it.
// Overridden by tests via abortFn so a single bad block does not tear down
// the test binary.
var abortFn = func(err *InternalError) {
	panic(err)
}

func abort(err *InternalError) { abortFn(err) }
