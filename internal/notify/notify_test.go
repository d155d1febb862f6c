package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	name  string
	err   error
	delay time.Duration
	sent  atomic.Int32
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Send(ctx context.Context, _ Alert) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.sent.Add(1)
	return s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanoutIsolatesFailures(t *testing.T) {
	bad := &stubChannel{name: "bad", err: errors.New("webhook down")}
	good := &stubChannel{name: "good"}
	f := NewFanout(testLogger(), bad, good)

	err := f.Send(context.Background(), Alert{Title: "x", Severity: "high"})
	assert.NoError(t, err)
	assert.Equal(t, int32(1), good.sent.Load())
}

func TestFanoutAllFailed(t *testing.T) {
	a := &stubChannel{name: "a", err: errors.New("down")}
	b := &stubChannel{name: "b", err: errors.New("also down")}
	f := NewFanout(testLogger(), a, b)

	err := f.Send(context.Background(), Alert{Title: "x"})
	assert.Error(t, err)
}

func TestFanoutNoChannels(t *testing.T) {
	f := NewFanout(testLogger())
	assert.NoError(t, f.Send(context.Background(), Alert{Title: "x"}))
}

func TestTeamsChannelPostsAdaptiveCard(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewTeams(srv.URL, srv.Client())
	alert := Alert{
		Title:     "🚨 Suspicious Connection Detected: web-01",
		Severity:  "critical",
		RiskScore: 85,
		Details:   map[string]string{"target_ip": "185.220.101.1"},
		Technique: &Technique{ID: "T1071.001", Name: "Web Protocols", URL: "https://attack.mitre.org/techniques/T1071/001"},
		Buttons: []ActionButton{
			{Label: "✅ MARK AS SAFE", Action: "safe", EventID: uuid.New()},
		},
	}
	require.NoError(t, ch.Send(context.Background(), alert))

	attachments := got["attachments"].([]any)
	require.Len(t, attachments, 1)
	content := attachments[0].(map[string]any)["content"].(map[string]any)
	assert.Equal(t, "AdaptiveCard", content["type"])
	assert.NotEmpty(t, content["actions"])
}

func TestTeamsChannelSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewTeams(srv.URL, srv.Client())
	err := ch.Send(context.Background(), Alert{Title: "x"})
	assert.Error(t, err)
}

func TestScanSummarySeverity(t *testing.T) {
	clean := ScanSummary("examplebank.com", "typosquat", 3, 0)
	assert.Equal(t, "medium", clean.Severity)

	hot := ScanSummary("examplebank.com", "typosquat", 3, 2)
	assert.Equal(t, "high", hot.Severity)
	assert.Equal(t, "2", hot.Details["critical_findings"])
}
