package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all agent protocol metrics.
type Registry struct {
	// Wire
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	ProtocolFaults *prometheus.CounterVec

	// Round trips
	RoundTrips       *prometheus.CounterVec
	RoundTripLatency *prometheus.HistogramVec

	// Connections
	ConnectAttempts *prometheus.CounterVec
	SessionsOpen    *prometheus.GaugeVec

	// Guest applications
	AppsLaunched  *prometheus.CounterVec
	AppExitCodes  *prometheus.CounterVec
	MountsTotal   *prometheus.CounterVec
	ClipboardSync *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_agent_frames_sent_total",
		Help: "Agent protocol frames written, by side and message type",
	}, []string{"side", "type"})

	r.FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_agent_frames_received_total",
		Help: "Agent protocol frames read, by side and message type",
	}, []string{"side", "type"})

	r.ProtocolFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_agent_protocol_faults_total",
		Help: "Channels that entered the faulted state",
	}, []string{"side"})

	r.RoundTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_agent_round_trips_total",
		Help: "Command/ack round trips, by command and result",
	}, []string{"side", "command", "result"})

	r.RoundTripLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flatvm_agent_round_trip_seconds",
		Help:    "Latency from command write to ack receipt",
		Buckets: prometheus.DefBuckets,
	}, []string{"side", "command"})

	r.ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_agent_connect_attempts_total",
		Help: "Transport connect attempts, by result",
	}, []string{"result"})

	r.SessionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flatvm_agent_sessions_open",
		Help: "Agent connections currently owned by a channel",
	}, []string{"side"})

	r.AppsLaunched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_guest_apps_launched_total",
		Help: "Applications started by the guest agent",
	}, []string{"result"})

	r.AppExitCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_guest_app_exits_total",
		Help: "Application exits reported over the channel, by exit code",
	}, []string{"code"})

	r.MountsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_guest_mounts_total",
		Help: "Shared directory mounts, by kind and result",
	}, []string{"kind", "result"})

	r.ClipboardSync = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatvm_clipboard_events_total",
		Help: "Clipboard events, by direction",
	}, []string{"direction"})

	return r
}

// RecordRoundTrip records one command/ack round trip.
func (r *Registry) RecordRoundTrip(side, command string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.RoundTrips.WithLabelValues(side, command, result).Inc()
	if err == nil {
		r.RoundTripLatency.WithLabelValues(side, command).Observe(time.Since(started).Seconds())
	}
}

// RecordConnectAttempt records one dial attempt.
func (r *Registry) RecordConnectAttempt(err error) {
	if err != nil {
		r.ConnectAttempts.WithLabelValues("failure").Inc()
		return
	}
	r.ConnectAttempts.WithLabelValues("success").Inc()
}

// RecordExitCode records an application exit.
func (r *Registry) RecordExitCode(code int32) {
	r.AppExitCodes.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
}

// RecordMount records a mount attempt.
func (r *Registry) RecordMount(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.MountsTotal.WithLabelValues(kind, result).Inc()
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
