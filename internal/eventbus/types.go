package eventbus

// Event types published by the scheduler core.
const (
	TypeConditionBattery  = "condition.battery"
	TypeConditionNetwork  = "condition.network"
	TypeConditionActivity = "condition.activity"

	TypePollerTick     = "poller.tick"
	TypePollerFailed   = "poller.failed"
	TypePollerDisabled = "poller.disabled"

	TypeBatchDispatched = "batch.dispatched"
	TypeBatchSuperseded = "batch.superseded"
	TypeBatchCleared    = "batch.cleared"
	TypeBatchTimeout    = "batch.timeout"
)

// Prefixes usable with Subscribe.
const (
	PrefixCondition = "condition."
	PrefixPoller    = "poller."
	PrefixBatch     = "batch."
)
