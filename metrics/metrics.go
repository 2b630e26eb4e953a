package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const Namespace = "op_rollup"

var _ opmetrics.RegistryMetricer = (*Metrics)(nil)

type Metricer interface {
	RecordInfo(version string)
	RecordUp()

	RecordBlockProduced(number uint64, txs int)
	RecordDepositQueued()
	RecordWatcherCursor(l1Block uint64)

	RecordProofRequested(number uint64)
	RecordProofVerified(number uint64)
	RecordProofRejected(number uint64)
	RecordProofRecycled(number uint64)

	RecordL1TxSent(kind string, nonce uint64)
	RecordL1TxConfirmed(kind string, number uint64)
	RecordL1TxFeeBump(kind string)
	RecordL1TxFailed(kind string)

	StartBalanceMetrics(l log.Logger, client *ethclient.Client, account common.Address) io.Closer
}

type Metrics struct {
	ns       string
	registry *prometheus.Registry
	factory  opmetrics.Factory

	info prometheus.GaugeVec
	up   prometheus.Gauge

	blockHeight   prometheus.Gauge
	blockTxs      prometheus.Counter
	depositsSeen  prometheus.Counter
	watcherCursor prometheus.Gauge

	proofEvents prometheus.CounterVec
	proofHeight prometheus.Gauge

	l1TxEvents prometheus.CounterVec
	l1Nonce    prometheus.Gauge
	l1TxHeight prometheus.GaugeVec
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics(procName string) *Metrics {
	if procName == "" {
		procName = "default"
	}
	ns := Namespace + "_" + procName

	registry := opmetrics.NewRegistry()
	factory := opmetrics.With(registry)

	return &Metrics{
		ns:       ns,
		registry: registry,
		factory:  factory,

		info: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "info",
			Help:      "Information about the rollup operator",
		}, []string{
			"version",
		}),
		up: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "up",
			Help:      "1 if the operator has finished starting up",
		}),
		blockHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "block_height",
			Help:      "Latest produced L2 block number",
		}),
		blockTxs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "block_txs_total",
			Help:      "Transactions sequenced into blocks",
		}),
		depositsSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deposits_queued_total",
			Help:      "Deposit transactions queued from L1 events",
		}),
		watcherCursor: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "watcher_cursor",
			Help:      "Last fully processed L1 block",
		}),
		proofEvents: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "proof_events_total",
			Help:      "Proof record events by outcome",
		}, []string{
			"outcome",
		}),
		proofHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "proof_verified_height",
			Help:      "Highest block with a verified proof",
		}),
		l1TxEvents: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "l1_tx_events_total",
			Help:      "L1 transaction events by kind and outcome",
		}, []string{
			"kind",
			"outcome",
		}),
		l1Nonce: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "l1_nonce",
			Help:      "Latest nonce assigned to an L1 transaction",
		}),
		l1TxHeight: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "l1_tx_confirmed_height",
			Help:      "Highest block with a confirmed L1 transaction, by kind",
		}, []string{
			"kind",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Document() []opmetrics.DocumentedMetric {
	return m.factory.Document()
}

func (m *Metrics) StartBalanceMetrics(l log.Logger, client *ethclient.Client, account common.Address) io.Closer {
	return opmetrics.LaunchBalanceMetrics(l, m.registry, m.ns, client, account)
}

func (m *Metrics) RecordInfo(version string) {
	m.info.WithLabelValues(version).Set(1)
}

func (m *Metrics) RecordUp() {
	m.up.Set(1)
}

func (m *Metrics) RecordBlockProduced(number uint64, txs int) {
	m.blockHeight.Set(float64(number))
	m.blockTxs.Add(float64(txs))
}

func (m *Metrics) RecordDepositQueued() {
	m.depositsSeen.Inc()
}

func (m *Metrics) RecordWatcherCursor(l1Block uint64) {
	m.watcherCursor.Set(float64(l1Block))
}

func (m *Metrics) RecordProofRequested(number uint64) {
	m.proofEvents.WithLabelValues("requested").Inc()
}

func (m *Metrics) RecordProofVerified(number uint64) {
	m.proofEvents.WithLabelValues("verified").Inc()
	m.proofHeight.Set(float64(number))
}

func (m *Metrics) RecordProofRejected(number uint64) {
	m.proofEvents.WithLabelValues("rejected").Inc()
}

func (m *Metrics) RecordProofRecycled(number uint64) {
	m.proofEvents.WithLabelValues("recycled").Inc()
}

func (m *Metrics) RecordL1TxSent(kind string, nonce uint64) {
	m.l1TxEvents.WithLabelValues(kind, "sent").Inc()
	m.l1Nonce.Set(float64(nonce))
}

func (m *Metrics) RecordL1TxConfirmed(kind string, number uint64) {
	m.l1TxEvents.WithLabelValues(kind, "confirmed").Inc()
	m.l1TxHeight.WithLabelValues(kind).Set(float64(number))
}

func (m *Metrics) RecordL1TxFeeBump(kind string) {
	m.l1TxEvents.WithLabelValues(kind, "fee_bump").Inc()
}

func (m *Metrics) RecordL1TxFailed(kind string) {
	m.l1TxEvents.WithLabelValues(kind, "failed").Inc()
}
