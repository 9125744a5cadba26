package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Queue entry lifecycle states. A message advances monotonically
// pending -> leased -> (done | failed); Fail with retries left moves
// it back to pending.
const (
	StatusPending = "pending"
	StatusLeased  = "leased"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Direction of a message relative to the engine.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type QueueEntry struct {
	ID          string
	UserID      string
	Role        string
	Direction   Direction
	Payload     string
	EnqueuedAt  time.Time
	Status      string
	LeaseOwner  string
	LeaseExpiry time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
}

// HistoryRecord is one line of a user's conversation log. Append-only.
type HistoryRecord struct {
	ID        string
	UserID    string
	Role      string
	Direction Direction
	Text      string
	Timestamp time.Time
}

// CandidateModel is one entry of the model catalog populated at startup.
type CandidateModel struct {
	ModelID  string
	Name     string
	Provider string
	IsFree   bool
}

// ModelScore holds the running quality estimate of one model for one user.
// Version is bumped on every write and used for compare-and-swap updates.
type ModelScore struct {
	UserID          string
	ModelID         string
	Score           float64
	TrialCount      int
	LastEvaluatedAt time.Time
	Version         int64
}

// Assignment is the model currently answering for a user. Exactly one
// active assignment per user.
type Assignment struct {
	UserID                 string
	ModelID                string
	AssignedAt             time.Time
	IterationsSinceRefresh int
}

type BlacklistEntry struct {
	UserID    string
	Reason    string
	CreatedAt time.Time
}

// DocState tracks the sync position of one document repository. Writes
// are owned by the external document-sync collaborator; the engine only
// reads it for staleness checks.
type DocState struct {
	Repo       string
	SyncCommit string
	ChunkCount int
	UpdatedAt  time.Time
}

// UserActivity drives the proactive scheduler. NextNudgeAt is the
// persisted randomized deadline; Nudged guards against duplicate
// check-ins within one idle period.
type UserActivity struct {
	UserID       string
	LastActivity time.Time
	NextNudgeAt  time.Time
	Nudged       bool
}
