package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	mevtesting "github.com/malbeclabs/mevdist/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func failedReport(n int) *report.Report {
	rep := report.New("claim", 600, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rep.RunID = "run-1"
	rep.Count("confirmed")
	for range n {
		rep.Fail("permanently_failed", report.Failure{Validator: "vote", Unit: "stake", Kind: report.KindPermanent, Reason: "invalid proof"})
	}
	return rep.Finish(rep.StartedAt)
}

func TestMEVDist_Notify_PostsFailedReport(t *testing.T) {
	t.Parallel()

	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(b)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n, err := New(Config{Logger: mevtesting.NewLogger(), WebhookURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, n.Report(context.Background(), failedReport(2)))

	raw, ok := body.Load().([]byte)
	require.True(t, ok)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "mevdist claim failed for epoch 600", msg["text"])
	require.Contains(t, string(raw), "invalid proof")
	require.Contains(t, string(raw), "run run-1")
}

func TestMEVDist_Notify_SkipsPassedReport(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	n, err := New(Config{Logger: mevtesting.NewLogger(), WebhookURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, n.Report(context.Background(), failedReport(0)))
	require.Zero(t, calls.Load())
}

func TestMEVDist_Notify_WebhookError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	n, err := New(Config{Logger: mevtesting.NewLogger(), WebhookURL: srv.URL})
	require.NoError(t, err)
	require.Error(t, n.Report(context.Background(), failedReport(1)))
}

func TestMEVDist_Notify_MessageTruncates(t *testing.T) {
	t.Parallel()

	msg := Message(failedReport(5), 2)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.Contains(t, string(raw), "and 3 more")
}
