package metrics

import (
	"github.com/DomeLiquid/isolend/core"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var _ core.Recorder = (*Recorder)(nil)

// Recorder exports protocol events as prometheus metrics.
type Recorder struct {
	batches      *prometheus.CounterVec
	batchActions prometheus.Histogram
	liquidations prometheus.Counter
	repaidEth    prometheus.Counter
	seizedEth    prometheus.Counter
	interest     *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "position_manager",
			Name:      "batches_total",
			Help:      "Processed batches segmented by outcome and error class.",
		}, []string{"outcome", "class"}),
		batchActions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isolend",
			Subsystem: "position_manager",
			Name:      "batch_actions",
			Help:      "Number of actions per batch.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "position_manager",
			Name:      "liquidations_total",
			Help:      "Successful liquidations.",
		}),
		repaidEth: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "position_manager",
			Name:      "liquidation_repaid_eth_total",
			Help:      "Debt repaid by liquidators, in ETH.",
		}),
		seizedEth: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "position_manager",
			Name:      "liquidation_seized_eth_total",
			Help:      "Collateral seized by liquidators, in ETH.",
		}),
		interest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "pool",
			Name:      "interest_accrued_total",
			Help:      "Interest accrued per pool in raw token units.",
		}, []string{"pool"}),
	}
	for _, c := range []prometheus.Collector{r.batches, r.batchActions, r.liquidations, r.repaidEth, r.seizedEth, r.interest} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) InterestAccrued(poolId core.PoolId, interest *uint256.Int) {
	r.interest.WithLabelValues(poolId.Hex()).Add(toFloat(interest, 0))
}

func (r *Recorder) BatchProcessed(actions int, err error) {
	r.batchActions.Observe(float64(actions))
	if err != nil {
		r.batches.WithLabelValues("rejected", core.ClassOf(err).String()).Inc()
		return
	}
	r.batches.WithLabelValues("committed", "").Inc()
}

func (r *Recorder) Liquidated(_ common.Address, repaidWei, seizedWei *uint256.Int) {
	r.liquidations.Inc()
	r.repaidEth.Add(toFloat(repaidWei, 18))
	r.seizedEth.Add(toFloat(seizedWei, 18))
}

func toFloat(x *uint256.Int, decimals uint8) float64 {
	f, _ := core.ToDecimal(x, decimals).Float64()
	return f
}
