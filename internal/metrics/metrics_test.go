package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder("")

	r.SwapInitiated("ETH", "NEAR")
	r.SwapInitiated("ETH", "NEAR")
	r.Transition(swap.StatusPending, swap.StatusSourceLocked)
	r.Transition("", swap.StatusSourceLocked)
	r.ReconcilerEvent("ETH", swap.OutcomeApplied)
	r.AdapterRetry("NEAR", "mint_or_unlock")
	r.StreamActive("ETH", 1)
	r.StreamActive("ETH", 1)
	r.StreamActive("ETH", -1)
	r.NotifyResult(true)
	r.NotifyResult(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.SwapsInitiated.WithLabelValues("ETH", "NEAR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Transitions.WithLabelValues("pending", "source_locked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Transitions.WithLabelValues("none", "source_locked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ReconcilerEvents.WithLabelValues("ETH", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.AdapterRetries.WithLabelValues("NEAR", "mint_or_unlock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ActiveStreams.WithLabelValues("ETH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.NotifyPublished.WithLabelValues("error")))
}

func TestSetSwapCounts(t *testing.T) {
	r := NewRecorder("test")
	r.SetSwapCounts(map[swap.Status]int{swap.StatusPending: 3, swap.StatusCompleted: 7})

	assert.Equal(t, 3.0, testutil.ToFloat64(r.SwapsByStatus.WithLabelValues("pending")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.SwapsByStatus.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.SwapsByStatus.WithLabelValues("manual_review")))
	assert.Equal(t, len(swap.AllStatuses), testutil.CollectAndCount(r.SwapsByStatus))
	assert.NotZero(t, testutil.ToFloat64(r.LastSweep))
}

func TestRecordersAreIsolated(t *testing.T) {
	a := NewRecorder("")
	b := NewRecorder("")
	a.SwapInitiated("ETH", "NEAR")
	assert.Zero(t, testutil.ToFloat64(b.SwapsInitiated.WithLabelValues("ETH", "NEAR")))
}

func TestHandler(t *testing.T) {
	r := NewRecorder("")
	r.SwapInitiated("BSC", "NEAR")
	r.SetOutboxPending(4)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `klingon_bridge_engine_swaps_initiated_total{from="BSC",to="NEAR"} 1`)
	assert.Contains(t, string(body), "klingon_bridge_notify_outbox_pending 4")
	assert.Contains(t, string(body), "go_goroutines")
}
