// Package transport provides an http.RoundTripper that attaches the
// current bearer credential to outbound requests.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tududes/websophon/internal/sophon"
)

// Authenticated wraps a base transport and injects an Authorization
// header sourced from a CredentialSource. When no usable credential
// exists the request fails fast with sophon.ErrAuthRequired instead of
// going to the wire.
type Authenticated struct {
	base  http.RoundTripper
	creds sophon.CredentialSource
}

// New returns an Authenticated transport over base. A nil base uses
// http.DefaultTransport.
func New(base http.RoundTripper, creds sophon.CredentialSource) *Authenticated {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Authenticated{base: base, creds: creds}
}

// RoundTrip implements http.RoundTripper.
func (t *Authenticated) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.creds.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	// Per RoundTripper contract the request must not be mutated.
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// NewClient builds an http.Client whose requests carry the bearer
// credential.
func NewClient(creds sophon.CredentialSource, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: New(nil, creds),
		Timeout:   timeout,
	}
}
