package consensus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/execution-hub/ledger-node/internal/domain/item"
)

const (
	namespace = "ledger_node"

	resultLabel   = "result"
	polarityLabel = "polarity"
	stateLabel    = "state"
)

// Metrics collects election counters. A nil *Metrics records nothing.
type Metrics struct {
	electionsStarted  prometheus.Counter
	electionsFinished *prometheus.CounterVec
	activeElections   prometheus.Gauge
	votes             *prometheus.CounterVec
	polls             *prometheus.CounterVec
	downloads         *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		electionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_started_total",
			Help:      "Number of elections started on this node",
		}),
		electionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_finished_total",
			Help:      "Number of elections closed, by final item state",
		}, []string{stateLabel}),
		activeElections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "elections_active",
			Help:      "Elections currently running",
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes registered, by polarity; repeated votes are counted as duplicate",
		}, []string{polarityLabel}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_polls_total",
			Help:      "Peer polls, by outcome",
		}, []string{resultLabel}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_downloads_total",
			Help:      "Item download attempts, by outcome",
		}, []string{resultLabel}),
	}
	if registerer == nil {
		return m, nil
	}
	err := errors.Join(
		registerer.Register(m.electionsStarted),
		registerer.Register(m.electionsFinished),
		registerer.Register(m.activeElections),
		registerer.Register(m.votes),
		registerer.Register(m.polls),
		registerer.Register(m.downloads),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) electionStarted() {
	if m == nil {
		return
	}
	m.electionsStarted.Inc()
	m.activeElections.Inc()
}

func (m *Metrics) electionFinished(state item.State) {
	if m == nil {
		return
	}
	m.activeElections.Dec()
	m.electionsFinished.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) vote(polarity string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(polarity).Inc()
}

func (m *Metrics) poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) download(result string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
}
