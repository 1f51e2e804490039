package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the metrics handle threaded through the consensus service at
// startup. Implementations must be safe for concurrent use; all methods are
// called from hot paths and must not block.
type Collector interface {
	// IncClientRequest counts a client batch arriving at the primary.
	IncClientRequest()

	// IncPropose counts a processed PRE_PREPARE.
	IncPropose()

	// IncPrepare counts a processed PREPARE.
	IncPrepare()

	// IncCommit counts a processed COMMIT.
	IncCommit()

	// IncExecuted counts an executed batch.
	IncExecuted()

	// IncSeqFail counts an admission rejection at the primary.
	IncSeqFail()

	// IncServerCall counts a frame accepted off the wire.
	IncServerCall()

	// IncVerifyFail counts a dropped message with a bad signature.
	IncVerifyFail()

	// IncSendBroadcast counts an envelope offered for broadcast.
	IncSendBroadcast()

	// ObserveSeqGap records the distance between the issued sequence and
	// the executor's progress at admission time.
	ObserveSeqGap(gap uint64)
}

// NoOp returns a collector that discards everything. Tests and tools
// inject it where metrics are irrelevant.
func NoOp() Collector {
	return noOpCollector{}
}

type noOpCollector struct{}

func (noOpCollector) IncClientRequest()        {}
func (noOpCollector) IncPropose()              {}
func (noOpCollector) IncPrepare()              {}
func (noOpCollector) IncCommit()               {}
func (noOpCollector) IncExecuted()             {}
func (noOpCollector) IncSeqFail()              {}
func (noOpCollector) IncServerCall()           {}
func (noOpCollector) IncVerifyFail()           {}
func (noOpCollector) IncSendBroadcast()        {}
func (noOpCollector) ObserveSeqGap(gap uint64) {}

// PromCollector exports the consensus counters through a prometheus
// registry.
type PromCollector struct {
	clientRequests prometheus.Counter
	proposes       prometheus.Counter
	prepares       prometheus.Counter
	commits        prometheus.Counter
	executed       prometheus.Counter
	seqFails       prometheus.Counter
	serverCalls    prometheus.Counter
	verifyFails    prometheus.Counter
	sendBroadcasts prometheus.Counter
	seqGap         prometheus.Histogram
}

// A compile time check to ensure PromCollector implements Collector.
var _ Collector = (*PromCollector)(nil)

// NewPromCollector creates the counter set and registers it with reg.
func NewPromCollector(reg prometheus.Registerer) (*PromCollector, error) {
	c := &PromCollector{
		clientRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_client_requests_total",
			Help: "Client batches accepted by the primary.",
		}),
		proposes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_proposes_total",
			Help: "PRE_PREPARE messages processed.",
		}),
		prepares: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_prepares_total",
			Help: "PREPARE messages processed.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_commits_total",
			Help: "COMMIT messages processed.",
		}),
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_executed_batches_total",
			Help: "Batches executed by the state machine.",
		}),
		seqFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_seq_admission_failures_total",
			Help: "Sequence admissions refused at the water mark.",
		}),
		serverCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_server_frames_total",
			Help: "Frames accepted off the wire.",
		}),
		verifyFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_signature_failures_total",
			Help: "Messages dropped for invalid signatures.",
		}),
		sendBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bftd_broadcast_envelopes_total",
			Help: "Envelopes offered to the broadcaster.",
		}),
		seqGap: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bftd_seq_gap",
			Help:    "Issued sequence distance from execution.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	collectors := []prometheus.Collector{
		c.clientRequests, c.proposes, c.prepares, c.commits,
		c.executed, c.seqFails, c.serverCalls, c.verifyFails,
		c.sendBroadcasts, c.seqGap,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PromCollector) IncClientRequest() { c.clientRequests.Inc() }
func (c *PromCollector) IncPropose()       { c.proposes.Inc() }
func (c *PromCollector) IncPrepare()       { c.prepares.Inc() }
func (c *PromCollector) IncCommit()        { c.commits.Inc() }
func (c *PromCollector) IncExecuted()      { c.executed.Inc() }
func (c *PromCollector) IncSeqFail()       { c.seqFails.Inc() }
func (c *PromCollector) IncServerCall()    { c.serverCalls.Inc() }
func (c *PromCollector) IncVerifyFail()    { c.verifyFails.Inc() }
func (c *PromCollector) IncSendBroadcast() { c.sendBroadcasts.Inc() }

func (c *PromCollector) ObserveSeqGap(gap uint64) {
	c.seqGap.Observe(float64(gap))
}
