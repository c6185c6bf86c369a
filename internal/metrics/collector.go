package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmylchreest/feedrelay/internal/relay"
)

var feedStates = []relay.State{
	relay.StateStopped,
	relay.StateConnecting,
	relay.StateRunning,
	relay.StateError,
}

// FeedCollector reads feed counters at scrape time.
type FeedCollector struct {
	source SnapshotSource

	framesReceived *prometheus.Desc
	framesSent     *prometheus.Desc
	bytesSent      *prometheus.Desc
	reconnects     *prometheus.Desc
	drops          *prometheus.Desc
	errors         *prometheus.Desc
	queueLength    *prometheus.Desc
	queueCapacity  *prometheus.Desc
	lastSequence   *prometheus.Desc
	state          *prometheus.Desc
}

// NewFeedCollector creates a collector over source.
func NewFeedCollector(source SnapshotSource) *FeedCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "feed", name),
			help,
			append([]string{"feed_id"}, labels...),
			nil,
		)
	}
	return &FeedCollector{
		source:         source,
		framesReceived: desc("frames_received_total", "Frames decoded from ingest"),
		framesSent:     desc("frames_sent_total", "Frames encoded and sent to egress"),
		bytesSent:      desc("bytes_sent_total", "Encoded bytes sent to egress"),
		reconnects:     desc("reconnects_total", "Sessions that ended and were retried"),
		drops:          desc("dropped_frames_total", "Frames dropped before egress", "reason"),
		errors:         desc("errors_total", "Recoverable errors", "kind"),
		queueLength:    desc("queue_length", "Frames waiting in the backpressure queue"),
		queueCapacity:  desc("queue_capacity", "Backpressure queue capacity"),
		lastSequence:   desc("last_sequence_sent", "Sequence number of the last frame sent"),
		state:          desc("state", "1 for the current state of the feed", "state"),
	}
}

// Describe implements prometheus.Collector.
func (c *FeedCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesReceived
	ch <- c.framesSent
	ch <- c.bytesSent
	ch <- c.reconnects
	ch <- c.drops
	ch <- c.errors
	ch <- c.queueLength
	ch <- c.queueCapacity
	ch <- c.lastSequence
	ch <- c.state
}

// Collect implements prometheus.Collector.
func (c *FeedCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.Snapshots() {
		id := s.FeedID
		counter := func(d *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{id}, labels...)...)
		}
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{id}, labels...)...)
		}

		counter(c.framesReceived, s.FramesReceived)
		counter(c.framesSent, s.FramesSent)
		counter(c.bytesSent, s.BytesSent)
		counter(c.reconnects, s.Reconnects)

		counter(c.drops, s.DroppedFull, "queue_full")
		counter(c.drops, s.DroppedTimeout, "queue_timeout")
		counter(c.drops, s.EvictedOldest, "evicted")
		counter(c.drops, s.RateDrops, "rate")

		counter(c.errors, s.DecodeErrors, "decode")
		counter(c.errors, s.CorruptUnits, "corrupt")
		counter(c.errors, s.TransientErrors, "transient")
		counter(c.errors, s.FilterErrors, "filter")
		counter(c.errors, s.EncodeErrors, "encode")
		counter(c.errors, s.SendErrors, "send")

		gauge(c.queueLength, float64(s.QueueLen))
		gauge(c.queueCapacity, float64(s.QueueCap))
		gauge(c.lastSequence, float64(s.LastSequenceSent))

		for _, st := range feedStates {
			v := 0.0
			if s.State == st {
				v = 1
			}
			gauge(c.state, v, string(st))
		}
	}
}
