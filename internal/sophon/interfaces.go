package sophon

import (
	"context"
	"time"
)

// EventLog persists capture events: append-only with update-in-place for
// the single pending-to-completed transition, capped at the N most
// recent entries.
type EventLog interface {
	Append(ctx context.Context, evt Event) error
	// Complete applies the one terminal transition for a pending event,
	// preserving the event's source and original request job id. A
	// second call for the same id returns ErrAlreadyCompleted.
	Complete(ctx context.Context, id string, upd CompletionUpdate) (Event, error)
	// MergeResult records a completed event keyed by its ResultID. If an
	// event with the same ResultID already exists it is returned
	// unchanged and created is false.
	MergeResult(ctx context.Context, evt Event) (stored Event, created bool, err error)
	// LinkJob sets the request job id on a pending event.
	LinkJob(ctx context.Context, id string, jobID string) error
	Get(ctx context.Context, id string) (Event, error)
	List(ctx context.Context, domain string, limit int) ([]Event, error)
	// ListPendingRemote returns pending remote events that carry a job
	// id, used to resume polling after a restart.
	ListPendingRemote(ctx context.Context) ([]Event, error)
	MarkRead(ctx context.Context, id string) error
	// PruneScreenshots clears screenshot references oldest-first until at
	// most keep remain, returning the evicted references so the caller
	// can free the underlying blobs. Called when the blob store signals
	// quota exhaustion.
	PruneScreenshots(ctx context.Context, keep int) ([]string, error)
}

// JobRegistry is the durable domain-to-active-job mapping, independent
// of the event log. Put replaces any prior entry for the domain.
type JobRegistry interface {
	Put(ctx context.Context, entry RegistryEntry) error
	Get(ctx context.Context, domain string) (RegistryEntry, error)
	Delete(ctx context.Context, domain string) error
	List(ctx context.Context) ([]RegistryEntry, error)
}

// CredentialStore persists the bearer credential and any in-progress
// challenge round. Load must read the persisted value fresh on each
// call; other execution contexts may share the store.
type CredentialStore interface {
	Save(ctx context.Context, cred Credential) error
	Load(ctx context.Context) (Credential, error)
	Clear(ctx context.Context) error
	SaveChallenge(ctx context.Context, st ChallengeState) error
	LoadChallenge(ctx context.Context) (ChallengeState, error)
	ClearChallenge(ctx context.Context) error
}

// ContextStore persists the confidence-filtered prior-evaluation
// snapshot per domain, consumed by the next submission for that domain.
type ContextStore interface {
	SaveContext(ctx context.Context, domain string, fields []FieldResult) error
	LoadContext(ctx context.Context, domain string) ([]FieldResult, error)
	ClearContext(ctx context.Context, domain string) error
}

// CredentialSource yields the current bearer token for outbound calls
// and invalidates it when the server rejects it.
type CredentialSource interface {
	// Token returns a usable bearer token or ErrAuthRequired.
	Token(ctx context.Context) (string, error)
	// Invalidate clears the credential from memory and the store.
	Invalidate(ctx context.Context) error
}

// BlobStore writes opaque artifacts (screenshots) and returns a URI.
// Put reports ErrQuotaExceeded as a distinguishable partial failure.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Capturer renders a target page and returns an opaque screenshot plus a
// session snapshot. The engine treats the result as atomic and
// pre-validated.
type Capturer interface {
	Capture(ctx context.Context, url string) (CaptureResult, error)
}

// Notifier accepts fire-and-forget notifications. Implementations must
// never block the caller.
type Notifier interface {
	Notify(n Notification)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
