// Package remote implements the typed HTTP client for the capture
// runner service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// Config captures the parameters for the runner client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the remote capture runner. Job traffic carries the
// bearer credential; the challenge endpoints are unauthenticated since
// they exist to obtain that credential.
type Client struct {
	baseURL string
	authed  *http.Client
	plain   *http.Client
	creds   sophon.CredentialSource
	logger  *zap.Logger
}

// New creates a runner client. authed must be a client whose transport
// injects the bearer credential.
func New(cfg Config, authed *http.Client, creds sophon.CredentialSource, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if authed == nil {
		return nil, fmt.Errorf("authenticated http client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		authed:  authed,
		plain:   &http.Client{Timeout: cfg.Timeout},
		creds:   creds,
		logger:  logger,
	}, nil
}

type createJobResponse struct {
	JobID string `json:"jobId"`
}

// CreateJob submits a capture job and returns the runner-assigned job
// id.
func (c *Client) CreateJob(ctx context.Context, payload sophon.JobPayload) (string, error) {
	var resp createJobResponse
	if err := c.do(ctx, c.authed, http.MethodPost, "/api/jobs", payload, &resp); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("create job: runner returned empty job id")
	}
	return resp.JobID, nil
}

// GetStatus fetches the runner's view of a job.
func (c *Client) GetStatus(ctx context.Context, jobID string) (sophon.JobStatus, error) {
	var status sophon.JobStatus
	path := "/api/jobs/" + url.PathEscape(jobID) + "/status"
	if err := c.do(ctx, c.authed, http.MethodGet, path, nil, &status); err != nil {
		return sophon.JobStatus{}, fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

type resultsResponse struct {
	Results []sophon.JobResult `json:"results"`
}

// GetResults drains the runner's buffered results for a job. An empty
// list is a normal outcome.
func (c *Client) GetResults(ctx context.Context, jobID string) ([]sophon.JobResult, error) {
	var resp resultsResponse
	path := "/api/jobs/" + url.PathEscape(jobID) + "/results"
	if err := c.do(ctx, c.authed, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get job results: %w", err)
	}
	return resp.Results, nil
}

type purgeRequest struct {
	ResultIDs []string `json:"result_ids"`
}

// Purge acknowledges ingested results so the runner stops buffering
// them. Purging an id the runner no longer holds succeeds.
func (c *Client) Purge(ctx context.Context, jobID string, resultIDs []string) error {
	if len(resultIDs) == 0 {
		return nil
	}
	path := "/api/jobs/" + url.PathEscape(jobID) + "/results/purge"
	if err := c.do(ctx, c.authed, http.MethodPost, path, purgeRequest{ResultIDs: resultIDs}, nil); err != nil {
		return fmt.Errorf("purge results: %w", err)
	}
	return nil
}

// DeleteJob cancels a job on the runner. A 404 means the job is already
// gone, which is the desired end state.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	path := "/api/jobs/" + url.PathEscape(jobID)
	err := c.do(ctx, c.authed, http.MethodDelete, path, nil, nil)
	if err != nil && !sophon.IsNotFound(err) {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// FetchChallenge starts a human-verification round.
func (c *Client) FetchChallenge(ctx context.Context) (sophon.ChallengeInfo, error) {
	var info sophon.ChallengeInfo
	if err := c.do(ctx, c.plain, http.MethodPost, "/api/auth/challenge", nil, &info); err != nil {
		return sophon.ChallengeInfo{}, fmt.Errorf("fetch challenge: %w", err)
	}
	return info, nil
}

// PollChallenge checks whether a verification round has been granted. A
// 404 is surfaced as sophon.ErrNotFound so callers can retire expired
// rounds.
func (c *Client) PollChallenge(ctx context.Context, challengeID string) (sophon.GrantResponse, error) {
	var grant sophon.GrantResponse
	path := "/api/auth/challenge/" + url.PathEscape(challengeID) + "/grant"
	if err := c.do(ctx, c.plain, http.MethodGet, path, nil, &grant); err != nil {
		return sophon.GrantResponse{}, fmt.Errorf("poll challenge: %w", err)
	}
	return grant, nil
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		remoteErr := &sophon.RemoteError{StatusCode: resp.StatusCode, Body: string(data)}
		if sophon.IsAuthError(remoteErr) && c.creds != nil {
			if invErr := c.creds.Invalidate(ctx); invErr != nil {
				c.logger.Warn("invalidate credential after rejection", zap.Error(invErr))
			}
		}
		return remoteErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
