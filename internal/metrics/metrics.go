package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	MessagesReceived  atomic.Int64
	ParseFailures     atomic.Int64
	EventsApplied     atomic.Int64
	StaleEventsDrops  atomic.Int64
	AnomaliesRecorded atomic.Int64
	ConnectFailures   atomic.Int64
	Reconnects        atomic.Int64
	HeartbeatTimeouts atomic.Int64
	VehiclesOffline   atomic.Int64
	SubscriberDrops   atomic.Int64
	BootstrapFailures atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "livefeed_messages_received_total %d\n", MessagesReceived.Load())
	fmt.Fprintf(w, "livefeed_parse_failures_total %d\n", ParseFailures.Load())
	fmt.Fprintf(w, "livefeed_events_applied_total %d\n", EventsApplied.Load())
	fmt.Fprintf(w, "livefeed_stale_events_dropped_total %d\n", StaleEventsDrops.Load())
	fmt.Fprintf(w, "livefeed_anomalies_recorded_total %d\n", AnomaliesRecorded.Load())
	fmt.Fprintf(w, "livefeed_connect_failures_total %d\n", ConnectFailures.Load())
	fmt.Fprintf(w, "livefeed_reconnects_total %d\n", Reconnects.Load())
	fmt.Fprintf(w, "livefeed_heartbeat_timeouts_total %d\n", HeartbeatTimeouts.Load())
	fmt.Fprintf(w, "livefeed_vehicles_marked_offline_total %d\n", VehiclesOffline.Load())
	fmt.Fprintf(w, "livefeed_subscriber_drops_total %d\n", SubscriberDrops.Load())
	fmt.Fprintf(w, "livefeed_bootstrap_failures_total %d\n", BootstrapFailures.Load())
}
