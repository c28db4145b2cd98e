package model

import (
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/types"
)

// EventStatus is the lifecycle state of a ledger row
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusSkipped    EventStatus = "skipped"
)

// WebhookEvent is a ledger row: one accepted webhook delivery and its processing state
type WebhookEvent struct {
	ID                  types.EventID `json:"id" firestore:"id"`
	DeliveryID          string        `json:"delivery_id" firestore:"delivery_id"`
	Category            EventCategory `json:"category" firestore:"category"`
	Action              string        `json:"action,omitempty" firestore:"action"`
	Repository          string        `json:"repository,omitempty" firestore:"repository"`
	Payload             []byte        `json:"-" firestore:"payload"`
	SignatureVerified   bool          `json:"signature_verified" firestore:"signature_verified"`
	Status              EventStatus   `json:"status" firestore:"status"`
	Lane                Lane          `json:"lane" firestore:"lane"`
	ReceivedAt          time.Time     `json:"received_at" firestore:"received_at"`
	ProcessingStartedAt *time.Time    `json:"processing_started_at,omitempty" firestore:"processing_started_at"`
	ProcessedAt         *time.Time    `json:"processed_at,omitempty" firestore:"processed_at"`
	DurationMS          int64         `json:"duration_ms" firestore:"duration_ms"`
	ErrorMessage        string        `json:"error_message,omitempty" firestore:"error_message"`
	RetryCount          int           `json:"retry_count" firestore:"retry_count"`
	RetryAfter          *time.Time    `json:"retry_after,omitempty" firestore:"retry_after"`
	SourceIP            string        `json:"source_ip,omitempty" firestore:"source_ip"`
	UserAgent           string        `json:"user_agent,omitempty" firestore:"user_agent"`
}

// Kind returns the processing variant of the event
func (e *WebhookEvent) Kind() EventKind {
	return Classify(e.Category, e.Action)
}

// Claimable reports whether a worker may transition the row to processing.
// A failed row is claimable only once its RetryAfter has passed; a failed row
// without RetryAfter has exhausted its retries and waits for a manual replay.
func (e *WebhookEvent) Claimable(now time.Time) bool {
	switch e.Status {
	case EventStatusPending:
		return true
	case EventStatusFailed:
		return e.RetryAfter != nil && !e.RetryAfter.After(now)
	}
	return false
}

// MarkProcessing applies the claim transition
func (e *WebhookEvent) MarkProcessing(now time.Time) {
	e.Status = EventStatusProcessing
	e.ProcessingStartedAt = &now
}

// MarkCompleted records a successful execution
func (e *WebhookEvent) MarkCompleted(now time.Time) {
	e.Status = EventStatusCompleted
	e.ProcessedAt = &now
	e.ErrorMessage = ""
	e.RetryAfter = nil
	if e.ProcessingStartedAt != nil {
		e.DurationMS = now.Sub(*e.ProcessingStartedAt).Milliseconds()
	}
}

// MarkFailed records a failed execution. retryAfter is nil when the retry
// budget is exhausted.
func (e *WebhookEvent) MarkFailed(msg string, now time.Time, retryAfter *time.Time) {
	e.Status = EventStatusFailed
	e.ProcessedAt = &now
	e.ErrorMessage = msg
	e.RetryCount++
	e.RetryAfter = retryAfter
	if e.ProcessingStartedAt != nil {
		e.DurationMS = now.Sub(*e.ProcessingStartedAt).Milliseconds()
	}
}

// MarkSkipped records an event that is stored but never processed
func (e *WebhookEvent) MarkSkipped(now time.Time) {
	e.Status = EventStatusSkipped
	e.ProcessedAt = &now
}

// Reset returns the row to pending for a manual replay
func (e *WebhookEvent) Reset() {
	e.Status = EventStatusPending
	e.ProcessingStartedAt = nil
	e.ProcessedAt = nil
	e.ErrorMessage = ""
	e.RetryCount = 0
	e.RetryAfter = nil
	e.DurationMS = 0
}

// IngestOutcome is the result class of an ingest call
type IngestOutcome string

const (
	IngestAccepted  IngestOutcome = "accepted"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestSkipped   IngestOutcome = "skipped"
)

// IngestResult is returned by the ingest use case
type IngestResult struct {
	Outcome IngestOutcome
	Event   *WebhookEvent
	Latency time.Duration
}

// RecoveryQuery selects ledger rows the recoverer should look at
type RecoveryQuery struct {
	// PendingBefore selects pending rows received before this time
	PendingBefore time.Time
	// RetryDueBefore selects failed rows whose RetryAfter is before this time
	RetryDueBefore time.Time
	// ProcessingBefore selects processing rows claimed before this time
	ProcessingBefore time.Time
	Limit            int
}

// WebhookDelivery is an authenticated delivery handed from the HTTP layer to ingestion
type WebhookDelivery struct {
	DeliveryID        string
	Category          EventCategory
	Payload           []byte
	SignatureVerified bool
	SourceIP          string
	UserAgent         string
	ReceivedAt        time.Time
}
