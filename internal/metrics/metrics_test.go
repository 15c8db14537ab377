package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleMetrics(t *testing.T) {
	before := StaleEventsDrops.Load()
	StaleEventsDrops.Add(2)

	rec := httptest.NewRecorder()
	HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	body := rec.Body.String()
	assert.Contains(t, body, "livefeed_stale_events_dropped_total ")
	assert.Contains(t, body, "livefeed_subscriber_drops_total ")
	assert.Equal(t, before+2, StaleEventsDrops.Load())
}
