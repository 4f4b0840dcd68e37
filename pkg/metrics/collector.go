package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/live-link/pkg/logging"
)

// Collector Prometheus metrics collector for one side of the link (device or editor)
type Collector struct {
	Role string

	// Live state callbacks; either may be nil.
	GetKnownPeers func() int
	GetConnected  func() bool

	info          *prometheus.Desc
	knownPeers    *prometheus.Desc
	connectionUp  *prometheus.Desc
	broadcasts    *prometheus.Desc
	datagrams     *prometheus.Desc
	peersRemoved  *prometheus.Desc
	connects      *prometheus.Desc
	accepts       *prometheus.Desc
	frames        *prometheus.Desc
	frameBytes    *prometheus.Desc
	requests      *prometheus.Desc
	failures      *prometheus.Desc
	responseCalls *prometheus.Desc

	// Counters (protected by mutex), keyed by label value
	metricsLock      sync.RWMutex
	broadcastCount   map[string]float64 // result
	datagramCount    map[string]float64 // result
	peersRemovedN    map[string]float64 // reason
	connectCount     map[string]float64 // result
	acceptCount      float64
	frameCount       map[string]float64 // direction
	frameBytesCount  map[string]float64 // direction
	requestCount     map[string]float64 // result
	failureCount     map[string]float64 // kind
	responseCallback float64
}

// NewCollector creates a new metrics collector for role ("device" or "editor")
func NewCollector(role string, getKnownPeers func() int, getConnected func() bool) *Collector {
	labels := func(extra ...string) []string {
		return append(extra, "role", "instance")
	}
	return &Collector{
		Role:          role,
		GetKnownPeers: getKnownPeers,
		GetConnected:  getConnected,
		info: prometheus.NewDesc(
			"livelink_info",
			"Process info metric (always 1)",
			labels(), nil,
		),
		knownPeers: prometheus.NewDesc(
			"livelink_known_peers",
			"Number of devices currently in the discovery registry",
			labels(), nil,
		),
		connectionUp: prometheus.NewDesc(
			"livelink_connection_up",
			"Whether a request connection is currently open (1=connected, 0=idle)",
			labels(), nil,
		),
		broadcasts: prometheus.NewDesc(
			"livelink_broadcasts_total",
			"Discovery announcements sent by result",
			labels("result"), nil,
		),
		datagrams: prometheus.NewDesc(
			"livelink_discovery_datagrams_total",
			"Discovery datagrams received by result (new, known, malformed)",
			labels("result"), nil,
		),
		peersRemoved: prometheus.NewDesc(
			"livelink_peers_removed_total",
			"Peers removed from the registry by reason",
			labels("reason"), nil,
		),
		connects: prometheus.NewDesc(
			"livelink_connects_total",
			"Outgoing request connections by result (new, reused, failed)",
			labels("result"), nil,
		),
		accepts: prometheus.NewDesc(
			"livelink_accepts_total",
			"Incoming request connections adopted by the listener",
			labels(), nil,
		),
		frames: prometheus.NewDesc(
			"livelink_frames_total",
			"Frames written or decoded by direction",
			labels("direction"), nil,
		),
		frameBytes: prometheus.NewDesc(
			"livelink_frame_payload_bytes_total",
			"Frame payload bytes by direction",
			labels("direction"), nil,
		),
		requests: prometheus.NewDesc(
			"livelink_requests_total",
			"Requests served by the device listener by result (handled, unhandled, failed)",
			labels("result"), nil,
		),
		failures: prometheus.NewDesc(
			"livelink_failures_total",
			"Transport failures by kind",
			labels("kind"), nil,
		),
		responseCalls: prometheus.NewDesc(
			"livelink_response_callbacks_total",
			"Response handler invocations on the editor",
			labels(), nil,
		),
		broadcastCount:  make(map[string]float64),
		datagramCount:   make(map[string]float64),
		peersRemovedN:   make(map[string]float64),
		connectCount:    make(map[string]float64),
		frameCount:      make(map[string]float64),
		frameBytesCount: make(map[string]float64),
		requestCount:    make(map[string]float64),
		failureCount:    make(map[string]float64),
	}
}

// All Record* methods accept a nil receiver so components can run without metrics.

// RecordBroadcast records one announcement attempt.
func (c *Collector) RecordBroadcast(ok bool) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if ok {
		c.broadcastCount["sent"]++
	} else {
		c.broadcastCount["failed"]++
	}
}

// RecordDatagram records a received discovery datagram ("new", "known", "malformed").
func (c *Collector) RecordDatagram(result string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.datagramCount[result]++
}

// RecordPeerRemoved records a registry removal.
func (c *Collector) RecordPeerRemoved(reason string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.peersRemovedN[reason]++
}

// RecordConnect records how a send obtained its connection ("new", "reused", "failed").
func (c *Collector) RecordConnect(result string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.connectCount[result]++
}

// RecordAccept records a stream adopted by the listener.
func (c *Collector) RecordAccept() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.acceptCount++
}

// RecordFrame records a frame moving in direction ("in" or "out").
func (c *Collector) RecordFrame(direction string, payloadBytes int) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.frameCount[direction]++
	c.frameBytesCount[direction] += float64(payloadBytes)
}

// RecordRequest records the outcome of one served request.
func (c *Collector) RecordRequest(result string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.requestCount[result]++
}

// RecordFailure records a transport failure by kind label.
func (c *Collector) RecordFailure(kind string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.failureCount[kind]++
}

// RecordResponseCallbacks records n handler invocations for one response.
func (c *Collector) RecordResponseCallbacks(n int) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.responseCallback += float64(n)
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.knownPeers
	ch <- c.connectionUp
	ch <- c.broadcasts
	ch <- c.datagrams
	ch <- c.peersRemoved
	ch <- c.connects
	ch <- c.accepts
	ch <- c.frames
	ch <- c.frameBytes
	ch <- c.requests
	ch <- c.failures
	ch <- c.responseCalls
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	instance := logging.GetInstanceID()
	role := c.Role

	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, role, instance)

	if c.GetKnownPeers != nil {
		ch <- prometheus.MustNewConstMetric(c.knownPeers, prometheus.GaugeValue, float64(c.GetKnownPeers()), role, instance)
	}
	if c.GetConnected != nil {
		up := 0.0
		if c.GetConnected() {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.connectionUp, prometheus.GaugeValue, up, role, instance)
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	emit := func(desc *prometheus.Desc, values map[string]float64) {
		for label, v := range values {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v, label, role, instance)
		}
	}
	emit(c.broadcasts, c.broadcastCount)
	emit(c.datagrams, c.datagramCount)
	emit(c.peersRemoved, c.peersRemovedN)
	emit(c.connects, c.connectCount)
	emit(c.frames, c.frameCount)
	emit(c.frameBytes, c.frameBytesCount)
	emit(c.requests, c.requestCount)
	emit(c.failures, c.failureCount)

	ch <- prometheus.MustNewConstMetric(c.accepts, prometheus.CounterValue, c.acceptCount, role, instance)
	ch <- prometheus.MustNewConstMetric(c.responseCalls, prometheus.CounterValue, c.responseCallback, role, instance)
}
