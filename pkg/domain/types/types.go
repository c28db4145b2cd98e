package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Version is the application version. Overwritten by ldflags on release builds.
var Version = "dev"

// EventID identifies a ledger row (one accepted webhook delivery)
type EventID string

// NewEventID returns a new random EventID
func NewEventID() EventID { return EventID(uuid.NewString()) }

func (x EventID) String() string { return string(x) }

// TestRunID identifies a TestRun. It is derived from the run's natural key so
// that every backend resolves the same run to the same ID.
type TestRunID string

func (x TestRunID) String() string { return string(x) }

// NewTestRunID derives the ID of a TestRun from repository, provider and external run ID
func NewTestRunID(repository, provider, externalID string) TestRunID {
	return TestRunID("tr_" + digest(repository, provider, externalID)[:40])
}

// AlertID identifies an Alert
type AlertID string

// NewAlertID returns a new random AlertID
func NewAlertID() AlertID { return AlertID(uuid.NewString()) }

func (x AlertID) String() string { return string(x) }

// DeadLetterID identifies a dead-letter record
type DeadLetterID string

// NewDeadLetterID returns a new random DeadLetterID
func NewDeadLetterID() DeadLetterID { return DeadLetterID(uuid.NewString()) }

func (x DeadLetterID) String() string { return string(x) }

// TaskID identifies a queued task
type TaskID string

// NewTaskID returns a new random TaskID
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

func (x TaskID) String() string { return string(x) }

func digest(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])
}
