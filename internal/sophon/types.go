// Package sophon defines core types shared across subsystems.
package sophon

import (
	"encoding/json"
	"time"
)

// EventStatus represents the lifecycle state of a capture event.
type EventStatus string

// Event status values persisted in the event log.
const (
	EventStatusPending   EventStatus = "pending"
	EventStatusCompleted EventStatus = "completed"
)

// EventSource distinguishes local captures from remote runner jobs.
type EventSource string

// Event source values.
const (
	SourceLocal  EventSource = "local"
	SourceRemote EventSource = "remote"
)

// FieldResult is one evaluated boolean field on a captured page.
// Probability is nil when the model returned no confidence.
type FieldResult struct {
	Name        string   `json:"name"`
	Result      bool     `json:"result"`
	Probability *float64 `json:"probability,omitempty"`
}

// FieldSpec is the client-side configuration for one watched field.
// Threshold is the confidence (0..1) a true result must reach before it
// is carried forward as prior-evaluation context.
type FieldSpec struct {
	Name       string  `json:"name"`
	Criteria   string  `json:"criteria"`
	Threshold  float64 `json:"threshold"`
	WebhookURL string  `json:"webhook_url,omitempty"`
}

// RequestMeta records what was asked of the remote runner for an event.
type RequestMeta struct {
	JobID           string   `json:"job_id,omitempty"`
	FieldNames      []string `json:"field_names,omitempty"`
	IntervalSeconds int      `json:"interval_seconds,omitempty"`
}

// Event is the client-local record of one capture attempt. An event's ID
// is stable from creation to completion; a pending event has a nil
// Response and exactly one terminal update moves it to completed.
type Event struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Domain        string          `json:"domain"`
	URL           string          `json:"url"`
	Status        EventStatus     `json:"status"`
	Source        EventSource     `json:"source"`
	Success       bool            `json:"success"`
	HTTPStatus    int             `json:"http_status,omitempty"`
	Error         string          `json:"error,omitempty"`
	Fields        []FieldResult   `json:"fields,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	HasTrueResult bool            `json:"has_true_result"`
	Read          bool            `json:"read"`
	ScreenshotRef string          `json:"screenshot_ref,omitempty"`
	Request       RequestMeta     `json:"request"`
	Response      json.RawMessage `json:"response,omitempty"`
	// ResultID is the server-issued idempotency key for remote results.
	// Two ingestions of the same ResultID must not produce two events.
	ResultID string `json:"result_id,omitempty"`
}

// CompletionUpdate carries the terminal state applied to a pending event.
// Source and Request.JobID of the original event are preserved.
type CompletionUpdate struct {
	Success       bool
	HTTPStatus    int
	Error         string
	Fields        []FieldResult
	Summary       string
	HasTrueResult bool
	ScreenshotRef string
	Response      json.RawMessage
	ResultID      string
}

// RegistryEntry maps a domain to its single active remote job. Field
// specs are kept on the entry so results that arrive with no pending
// event (recurring jobs, reconciliation after restart) can still be
// threshold-filtered for the next submission's context.
type RegistryEntry struct {
	Domain    string      `json:"domain"`
	JobID     string      `json:"job_id"`
	Recurring bool        `json:"recurring"`
	Fields    []FieldSpec `json:"fields,omitempty"`
	URL       string      `json:"url,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Credential is the bearer token authorizing remote traffic. At most one
// live credential exists process-wide.
type Credential struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Quotas    map[string]int `json:"quotas,omitempty"`
}

// Valid reports whether the credential can authorize a call at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// ChallengeState persists an in-progress human-verification round.
type ChallengeState struct {
	ChallengeID string    `json:"challenge_id"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Cookie is one browser cookie captured alongside a page.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"http_only"`
}

// Viewport is the capture window geometry.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SessionData is the session/context snapshot shipped with a job so the
// remote runner can reproduce the client's browsing state.
type SessionData struct {
	Cookies      []Cookie          `json:"cookies,omitempty"`
	Viewport     Viewport          `json:"viewport"`
	UserAgent    string            `json:"user_agent,omitempty"`
	LocalStorage map[string]string `json:"local_storage,omitempty"`
}

// ModelConfig selects and tunes the vision model used for evaluation.
type ModelConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// JobPayload is the body POSTed to the remote runner's job-creation
// endpoint. PreviousEvaluation is the confidence-filtered context from
// the prior run for this domain, nil on the first submission.
type JobPayload struct {
	URL                string        `json:"url"`
	Domain             string        `json:"domain"`
	SessionData        SessionData   `json:"session_data"`
	ModelConfig        ModelConfig   `json:"model_config"`
	Fields             []FieldSpec   `json:"fields"`
	PreviousEvaluation []FieldResult `json:"previous_evaluation,omitempty"`
	IntervalSeconds    int           `json:"interval,omitempty"`
}

// Remote job status values reported by the runner.
const (
	JobStatePending  = "pending"
	JobStateRunning  = "running"
	JobStateComplete = "complete"
	JobStateFailed   = "failed"
)

// JobStatus is the runner's view of one job.
type JobStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// JobResult is one buffered evaluation delivered by the runner.
// ScreenshotData is base64-encoded image bytes; LLMResponse is the raw
// model output the ingestor normalizes.
type JobResult struct {
	ResultID       string          `json:"resultId"`
	Timestamp      time.Time       `json:"timestamp"`
	ScreenshotData string          `json:"screenshotData,omitempty"`
	LLMResponse    json.RawMessage `json:"llmResponse,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ChallengeInfo describes a human-verification round to complete.
type ChallengeInfo struct {
	ChallengeID     string `json:"challenge_id"`
	VerificationURL string `json:"verification_url"`
}

// GrantResponse is the polled outcome of a verification round.
type GrantResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NotificationKind labels outbound engine notifications.
type NotificationKind string

// Supported notification kinds.
const (
	NotifyEventCreated  NotificationKind = "event_created"
	NotifyEventUpdated  NotificationKind = "event_updated"
	NotifyTokenAcquired NotificationKind = "token_acquired"
)

// Notification is a fire-and-forget message for UI layers and sinks.
// Delivery is best-effort; the absence of a listener is not an error.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	TS      time.Time        `json:"ts"`
	Domain  string           `json:"domain,omitempty"`
	JobID   string           `json:"job_id,omitempty"`
	EventID string           `json:"event_id,omitempty"`
	Event   *Event           `json:"event,omitempty"`
}

// CaptureResult is what the capture provider returns for a target URL.
// The engine treats the screenshot as an opaque blob.
type CaptureResult struct {
	Screenshot []byte
	Session    SessionData
}
