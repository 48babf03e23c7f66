package monitor

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/memguard"
)

// TableStats is the slice of the connection manager the reporter reads.
type TableStats interface {
	Count() int
}

// TopicStats is the slice of the subscription registry the reporter reads.
type TopicStats interface {
	TopicCount() int
}

// Report is a periodic operational snapshot, suitable for scraping or the
// operator stats endpoint.
type Report struct {
	Timestamp        time.Time                  `json:"timestamp"`
	ConnectionsOpen  int                        `json:"connections_open"`
	Topics           int                        `json:"topics"`
	DegradationStage string                     `json:"degradation_stage"`
	QueueBytesGlobal int64                      `json:"queue_bytes_global"`
	DeliveryLatency  Percentiles                `json:"delivery_latency"`
	Components       map[string]ComponentHealth `json:"components"`
}

// Reporter aggregates the broker's observable state into snapshots.
type Reporter struct {
	clock   clockwork.Clock
	table   TableStats
	topics  TopicStats
	mem     *memguard.Manager
	stats   *Stats
	checker *Checker
}

// NewReporter wires the reporter to its sources.
func NewReporter(clock clockwork.Clock, table TableStats, topics TopicStats, mem *memguard.Manager, stats *Stats, checker *Checker) *Reporter {
	return &Reporter{
		clock:   clock,
		table:   table,
		topics:  topics,
		mem:     mem,
		stats:   stats,
		checker: checker,
	}
}

// Snapshot produces the current report.
func (r *Reporter) Snapshot() Report {
	return Report{
		Timestamp:        r.clock.Now(),
		ConnectionsOpen:  r.table.Count(),
		Topics:           r.topics.TopicCount(),
		DegradationStage: r.mem.Stage().String(),
		QueueBytesGlobal: r.mem.GlobalBytes(),
		DeliveryLatency:  r.stats.Percentiles(),
		Components:       r.checker.Snapshot(),
	}
}
