// Package remote defines the contract between the sync engine and the
// backend, plus an HTTP reference implementation.
package remote

import (
	"context"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
)

// PushRequest carries one local mutation to the backend.
type PushRequest struct {
	Operation  models.OperationKind `json:"operation"`
	Collection string               `json:"collectionKey"`
	Payload    models.Record        `json:"data"`
}

// PushResponse is the backend's verdict on one mutation.
type PushResponse struct {
	// Accepted means the mutation was applied; ServerRecord carries any
	// server-assigned fields to fold back into the local record.
	Accepted bool `json:"accepted"`
	// Retryable marks a rejection as transient (the entry stays queued
	// and backs off) rather than permanent.
	Retryable bool `json:"retryable"`
	// Conflict means the server holds a newer version of the record;
	// ServerRecord is that version.
	Conflict     bool          `json:"conflict"`
	ServerRecord models.Record `json:"serverRecord,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Client pushes mutations to the backend.
type Client interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
}

// Probe reports whether the backend is currently reachable. Implementations
// should be cheap; the engine consults it before every cycle.
type Probe interface {
	Online(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Online(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline is a Probe for tests and wired-network deployments.
var AlwaysOnline = ProbeFunc(func(context.Context) bool { return true })
