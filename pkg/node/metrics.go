package node

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortiblox/multivm/internal/types"
)

const namespace = "multivm"

// Transaction status labels.
const (
	statusOk       = "ok"
	statusReverted = "reverted"
	statusFailed   = "failed"
)

type metrics struct {
	blocksProduced prometheus.Counter
	txs            *prometheus.CounterVec
	produceTime    prometheus.Histogram
	pending        prometheus.Gauge
	height         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		blocksProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_produced_total",
			Help:      "number of blocks produced",
		}),
		txs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "number of transactions included in blocks",
		}, []string{"kind", "status"}),
		produceTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_production_seconds",
			Help:      "time spent producing one block",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_transactions",
			Help:      "number of transactions waiting for the next block",
		}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_height",
			Help:      "height of the latest persisted block",
		}),
	}
	for _, c := range []prometheus.Collector{m.blocksProduced, m.txs, m.produceTime, m.pending, m.height} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observeBlock(b *types.Block, elapsed time.Duration) {
	m.blocksProduced.Inc()
	m.height.Set(float64(b.Height))
	m.produceTime.Observe(elapsed.Seconds())
	for i, h := range b.TxHashes {
		kind := b.Txs[i].Kind.String()
		switch {
		case b.Failed[h] != "":
			m.txs.WithLabelValues(kind, statusFailed).Inc()
		case b.Responses[h].IsOk():
			m.txs.WithLabelValues(kind, statusOk).Inc()
		default:
			m.txs.WithLabelValues(kind, statusReverted).Inc()
		}
	}
}

func metricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
