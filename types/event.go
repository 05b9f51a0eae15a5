package types

// ============================================
// 事件系统
// ============================================

type EventType string

const (
	EventBlockProposed   EventType = "block.proposed"
	EventBlockFinalized  EventType = "block.finalized"
	EventRoundAdvanced   EventType = "round.advanced"
	EventSyncNeeded      EventType = "sync.needed"
	EventSyncComplete    EventType = "sync.complete"
	EventSafetyViolation EventType = "safety.violation"
	EventTxConfirmed     EventType = "tx.confirmed"
	EventTxRejected      EventType = "tx.rejected"
)

type BaseEvent struct {
	EventType EventType
	EventData interface{}
}

func (e BaseEvent) Type() EventType   { return e.EventType }
func (e BaseEvent) Data() interface{} { return e.EventData }
