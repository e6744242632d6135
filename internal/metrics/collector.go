// Package metrics exposes harness progress and target-side session health as
// Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"tracecheck/internal/diagserver"
	"tracecheck/internal/harness"
	"tracecheck/internal/logger"
)

// SessionStatsSource is implemented by diagserver.Server.
type SessionStatsSource interface {
	Stats() []diagserver.SessionStats
}

// SessionCollector implements prometheus.Collector for the trace sessions a
// diagnostic server is hosting or has hosted.
type SessionCollector struct {
	source SessionStatsSource
	log    log.Logger

	activeDesc        *prometheus.Desc
	bufferBytesDesc   *prometheus.Desc
	bufferedBytesDesc *prometheus.Desc
	eventsWrittenDesc *prometheus.Desc
	eventsLostDesc    *prometheus.Desc
}

// NewSessionCollector creates a collector reading src on each scrape.
func NewSessionCollector(src SessionStatsSource) *SessionCollector {
	return &SessionCollector{
		source: src,
		log:    logger.NewLoggerWithContext("session_collector"),

		activeDesc: prometheus.NewDesc(
			"tracecheck_target_session_active",
			"Whether the trace session is still streaming (1) or has ended (0).",
			[]string{"session"}, nil,
		),
		bufferBytesDesc: prometheus.NewDesc(
			"tracecheck_target_session_buffer_bytes",
			"Size of the session's circular buffer.",
			[]string{"session"}, nil,
		),
		bufferedBytesDesc: prometheus.NewDesc(
			"tracecheck_target_session_buffered_bytes",
			"Bytes of events waiting in the session's buffer.",
			[]string{"session"}, nil,
		),
		eventsWrittenDesc: prometheus.NewDesc(
			"tracecheck_target_session_events_written_total",
			"Events written to the session's stream.",
			[]string{"session"}, nil,
		),
		eventsLostDesc: prometheus.NewDesc(
			"tracecheck_target_session_events_lost_total",
			"Events dropped because the session's buffer was full.",
			[]string{"session"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeDesc
	ch <- c.bufferBytesDesc
	ch <- c.bufferedBytesDesc
	ch <- c.eventsWrittenDesc
	ch <- c.eventsLostDesc
}

// Collect implements prometheus.Collector.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	c.log.Trace().Int("sessions", len(stats)).Msg("Collecting session stats")

	for _, st := range stats {
		id := strconv.FormatUint(uint64(st.ID), 10)
		active := 0.0
		if st.Active {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, active, id)
		ch <- prometheus.MustNewConstMetric(c.bufferBytesDesc, prometheus.GaugeValue, float64(st.BufferBytes), id)
		ch <- prometheus.MustNewConstMetric(c.bufferedBytesDesc, prometheus.GaugeValue, float64(st.BufferedBytes), id)
		ch <- prometheus.MustNewConstMetric(c.eventsWrittenDesc, prometheus.CounterValue, float64(st.EventsWritten), id)
		ch <- prometheus.MustNewConstMetric(c.eventsLostDesc, prometheus.CounterValue, float64(st.EventsLost), id)
	}
}

// RunCollector implements prometheus.Collector for harness.Live.
type RunCollector struct {
	live *harness.Live

	runsDesc     *prometheus.Desc
	activeDesc   *prometheus.Desc
	observedDesc *prometheus.Desc
	lostDesc     *prometheus.Desc
}

func NewRunCollector(live *harness.Live) *RunCollector {
	return &RunCollector{
		live: live,
		runsDesc: prometheus.NewDesc(
			"tracecheck_runs_total",
			"Finished validation runs by outcome.",
			[]string{"outcome"}, nil,
		),
		activeDesc: prometheus.NewDesc(
			"tracecheck_runs_active",
			"Validation runs in progress.",
			nil, nil,
		),
		observedDesc: prometheus.NewDesc(
			"tracecheck_events_observed_total",
			"Events decoded from trace streams, by provider.",
			[]string{"provider"}, nil,
		),
		lostDesc: prometheus.NewDesc(
			"tracecheck_events_lost_total",
			"Events the targets reported as dropped.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *RunCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.runsDesc
	ch <- c.activeDesc
	ch <- c.observedDesc
	ch <- c.lostDesc
}

// Collect implements prometheus.Collector.
func (c *RunCollector) Collect(ch chan<- prometheus.Metric) {
	for kind, n := range c.live.Results() {
		ch <- prometheus.MustNewConstMetric(c.runsDesc, prometheus.CounterValue, float64(n), string(kind))
	}
	for provider, n := range c.live.Events() {
		ch <- prometheus.MustNewConstMetric(c.observedDesc, prometheus.CounterValue, float64(n), provider)
	}
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(c.live.ActiveRuns()))
	ch <- prometheus.MustNewConstMetric(c.lostDesc, prometheus.CounterValue, float64(c.live.LostEvents()))
}
