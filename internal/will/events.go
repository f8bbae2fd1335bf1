package will

import (
	"context"
	"fmt"
	"time"
)

// EventKind names an entry in the audit event stream.
type EventKind string

const (
	EventWillCreated          EventKind = "WillCreated"
	EventWillUpdated          EventKind = "WillUpdated"
	EventExecutorUpdated      EventKind = "ExecutorUpdated"
	EventEmergencyUpdated     EventKind = "EmergencyUpdated"
	EventViewerAuthorized     EventKind = "ViewerAuthorized"
	EventViewerRevoked        EventKind = "ViewerRevoked"
	EventWillExecuted         EventKind = "WillExecuted"
	EventExecutionStarted     EventKind = "WillExecutionStarted"
	EventETHDistributed       EventKind = "ETHDistributed"
	EventTokenDistributed     EventKind = "TokenDistributed"
	EventNFTDistributed       EventKind = "NFTDistributed"
	EventExecutionCompleted   EventKind = "ExecutionCompleted"
	EventExecutionFailed      EventKind = "ExecutionFailed"
	EventFeeRateUpdated       EventKind = "FeeRateUpdated"
	EventFeeRecipientUpdated  EventKind = "FeeRecipientUpdated"
	EventBalanceWithdrawn     EventKind = "BalanceWithdrawn"
	EventTokenRecovered       EventKind = "TokenRecovered"
	EventOwnershipTransferred EventKind = "OwnershipTransferred"
)

// Event is one durable entry of the audit trail. WillID is nil for
// engine-level administrative events.
type Event struct {
	Seq       int64             `json:"seq"`
	WillID    *uint64           `json:"will_id,omitempty"`
	Kind      EventKind         `json:"kind"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EventFilter narrows Events queries. Zero values match everything.
type EventFilter struct {
	WillID   *uint64
	Kind     EventKind
	AfterSeq int64
	Limit    int
}

// emit appends an event inside tx. kv is an alternating key/value list.
func emit(ctx context.Context, tx Tx, now time.Time, kind EventKind, willID *uint64, kv ...string) error {
	data := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i]] = kv[i+1]
	}
	ev := &Event{WillID: willID, Kind: kind, Data: data, CreatedAt: now}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("recording %s event: %w", kind, err)
	}
	return nil
}

func idRef(id uint64) *uint64 {
	return &id
}
