package metrics

// Pre-defined metrics for the block execution pipeline. All metrics live in
// DefaultRegistry so they are globally accessible without passing a registry
// around.

var (
	// ---- Pipeline stage latency ----

	// PrepareLatency records PrepareStage wall time per block, in milliseconds.
	PrepareLatency = DefaultRegistry.Histogram("pipeline.prepare_ms")
	// ExecuteLatency records ExecuteStage wall time per block, in milliseconds.
	ExecuteLatency = DefaultRegistry.Histogram("pipeline.execute_ms")
	// LedgerApplyLatency records LedgerApplyStage wall time per block, in milliseconds.
	LedgerApplyLatency = DefaultRegistry.Histogram("pipeline.ledger_apply_ms")
	// StorageReadLatency records the wall time of the classification pass,
	// which performs the sequence-number reads against the state view, in
	// milliseconds. Fetching the view itself is not included.
	StorageReadLatency = DefaultRegistry.Histogram("pipeline.storage_read_ms")

	// ---- Block counters ----

	// BlocksSubmitted counts blocks enqueued to the pipeline.
	BlocksSubmitted = DefaultRegistry.Counter("pipeline.blocks_submitted")
	// BlocksCompleted counts blocks that received a completion reply (success or error).
	BlocksCompleted = DefaultRegistry.Counter("pipeline.blocks_completed")
	// PreparationErrors counts blocks that failed in PrepareStage.
	PreparationErrors = DefaultRegistry.Counter("pipeline.preparation_errors")
	// ExecutionErrors counts blocks that failed in ExecuteStage.
	ExecutionErrors = DefaultRegistry.Counter("pipeline.execution_errors")
	// LedgerUpdateErrors counts blocks that failed in LedgerApplyStage.
	LedgerUpdateErrors = DefaultRegistry.Counter("pipeline.ledger_update_errors")
	// DeliveryDrops counts completions whose submitter had already gone away.
	DeliveryDrops = DefaultRegistry.Counter("pipeline.delivery_drops")

	// ---- Transaction classification ----

	// TxnsClassified counts every transaction classified by PrepareStage.
	TxnsClassified = DefaultRegistry.Counter("pipeline.txns_classified")
	// TxnsStale counts transactions classified Invalid due to a stale sequence number.
	TxnsStale = DefaultRegistry.Counter("pipeline.txns_stale")
	// TxnsLookupFailed counts transactions classified Invalid because the
	// sequence-number lookup itself failed.
	TxnsLookupFailed = DefaultRegistry.Counter("pipeline.txns_lookup_failed")

	// ---- In-flight depth ----

	// BlocksInPrepare tracks blocks currently occupying PrepareStage.
	BlocksInPrepare = DefaultRegistry.Gauge("pipeline.blocks_in_prepare")
	// BlocksInExecute tracks blocks currently occupying ExecuteStage.
	BlocksInExecute = DefaultRegistry.Gauge("pipeline.blocks_in_execute")
	// BlocksInLedgerApply tracks blocks currently occupying LedgerApplyStage.
	BlocksInLedgerApply = DefaultRegistry.Gauge("pipeline.blocks_in_ledger_apply")
)
