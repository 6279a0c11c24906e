package model

import "time"

// Operational event types.
const (
	EventRebuildDecision     = "rebuild_decision"
	EventRescheduleDecision  = "reschedule_decision"
	EventFutureMessageBuild  = "future_message_build"
	EventDispatch            = "dispatch"
	EventDispatchDeferred    = "dispatch_deferred"
	EventDispatchSkipped     = "dispatch_skipped"
	EventDailyJobEnsured     = "daily_scheduler_job_ensured"
	EventDailyJobRemoved     = "daily_scheduler_job_removed"
	EventRebuildBatchFailure = "rebuild_batch_failure"
	EventDeliveryStatus      = "delivery_status"
)

// OperationalEvent is one entry of the diagnostic decision trail.
type OperationalEvent struct {
	ID           int64          `json:"id" db:"id"`
	EventType    string         `json:"event_type" db:"event_type"`
	EventTime    time.Time      `json:"event_time" db:"event_time"`
	CommunityID  *int64         `json:"community_id,omitempty" db:"community_id"`
	EntityType   string         `json:"entity_type,omitempty" db:"entity_type"`
	EntityID     *int64         `json:"entity_id,omitempty" db:"entity_id"`
	MessageToken string         `json:"message_token,omitempty" db:"message_token"`
	Details      map[string]any `json:"details" db:"-"`
	ErrorType    string         `json:"error_type,omitempty" db:"error_type"`
	ErrorMessage string         `json:"error_message,omitempty" db:"error_message"`
}
