package models

import "time"

// OperationKind is the type of a pending local mutation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// ResolutionPolicy selects how a conflict for an entry is resolved.
type ResolutionPolicy string

const (
	// ResolutionServerWins overwrites local state with the server version.
	// This is the default policy.
	ResolutionServerWins ResolutionPolicy = "server-wins"
	// ResolutionClientWins keeps the local version and drops the entry.
	ResolutionClientWins ResolutionPolicy = "client-wins"
	// ResolutionManual defers to an interactive resolver when one is
	// configured, otherwise falls back to server-wins.
	ResolutionManual ResolutionPolicy = "manual"
)

// MutationEntry is a durable record of one pending local change awaiting
// remote acknowledgment. At most one pending entry exists per
// (collection, record id); the newest mutation replaces the prior one.
type MutationEntry struct {
	ID            string           `json:"entryId"`
	Collection    string           `json:"collectionKey"`
	Operation     OperationKind    `json:"operation"`
	Payload       Record           `json:"data"`
	RetryCount    int              `json:"retryCount"`
	CreatedAt     time.Time        `json:"createdAt"`
	LastAttempt   *time.Time       `json:"lastAttempt,omitempty"`
	NextAttemptAt *time.Time       `json:"nextAttemptAt,omitempty"`
	Policy        ResolutionPolicy `json:"resolutionPolicy"`
	Failed        bool             `json:"failed,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
}

// RecordID returns the id of the record this entry mutates.
func (e *MutationEntry) RecordID() string {
	return e.Payload.ID()
}

// Due reports whether the entry may be attempted at the given time, i.e. it
// is not permanently failed and any scheduled backoff delay has elapsed.
func (e *MutationEntry) Due(now time.Time) bool {
	if e.Failed {
		return false
	}
	return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
}
