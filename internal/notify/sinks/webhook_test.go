package sinks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

func TestWebhookSink_SignsBody(t *testing.T) {
	t.Parallel()

	const secret = "s3cret"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Sophon-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Secret: secret}, zap.NewNop())
	require.NoError(t, err)

	err = sink.Consume(context.Background(), []sophon.Notification{
		{Kind: sophon.NotifyEventUpdated, Domain: "example.com"},
	})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(gotSig, "sha256="))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	require.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhookSink_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{
		URL:         srv.URL,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	err = sink.Consume(context.Background(), []sophon.Notification{
		{Kind: sophon.NotifyEventCreated},
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), hits.Load())
}

func TestWebhookSink_GivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{
		URL:         srv.URL,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	// Delivery is best-effort: failures are logged, not returned.
	err = sink.Consume(context.Background(), []sophon.Notification{
		{Kind: sophon.NotifyEventCreated},
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
}
