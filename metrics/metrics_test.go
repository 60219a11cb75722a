package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCommand(t *testing.T) {
	before := testutil.ToFloat64(commands.WithLabelValues("notify", "sent"))
	RecordCommand("notify", "sent")
	assert.Equal(t, before+1, testutil.ToFloat64(commands.WithLabelValues("notify", "sent")))
}

func TestRecordBroadcastFailure(t *testing.T) {
	failures := testutil.ToFloat64(broadcastFailures)
	evicted := testutil.ToFloat64(evictions)

	RecordBroadcastFailure(false)
	RecordBroadcastFailure(true)

	assert.Equal(t, failures+2, testutil.ToFloat64(broadcastFailures))
	assert.Equal(t, evicted+1, testutil.ToFloat64(evictions))
}

func TestHandlerExposesCollectors(t *testing.T) {
	SetStoresConnected(3)
	RecordHTTPRequest(http.MethodGet, "/api/stores", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "storelink_registry_stores_connected 3"))
	assert.True(t, strings.Contains(body, `storelink_http_requests_total{method="GET",path="/api/stores",status="200"}`))
}
