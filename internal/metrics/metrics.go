package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "gridmarket_"

var (
	registerOnce sync.Once

	depositsTotal    prometheus.Counter
	withdrawalsTotal prometheus.Counter
	settlementsTotal prometheus.Counter
	rejectedCalls    *prometheus.CounterVec

	openBookEntries *prometheus.GaugeVec
)

// Init registers the ledger metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		depositsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "deposits_total",
			Help: "Total accepted deposits",
		})
		withdrawalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "withdrawals_total",
			Help: "Total accepted withdrawals",
		})
		settlementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "settlements_total",
			Help: "Total executed energy settlements",
		})
		rejectedCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rejected_calls_total",
				Help: "Ledger calls rejected, by error kind",
			},
			[]string{"kind"},
		)
		openBookEntries = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "open_book_entries",
				Help: "Live request/offer book entries, by side",
			},
			[]string{"side"},
		)

		prometheus.MustRegister(
			depositsTotal,
			withdrawalsTotal,
			settlementsTotal,
			rejectedCalls,
			openBookEntries,
		)
	})
}

func IncDeposit() {
	if depositsTotal != nil {
		depositsTotal.Inc()
	}
}

func IncWithdrawal() {
	if withdrawalsTotal != nil {
		withdrawalsTotal.Inc()
	}
}

func IncSettlement() {
	if settlementsTotal != nil {
		settlementsTotal.Inc()
	}
}

func IncRejected(kind string) {
	if rejectedCalls != nil {
		rejectedCalls.WithLabelValues(kind).Inc()
	}
}

func SetOpenBook(requests, offers int) {
	if openBookEntries != nil {
		openBookEntries.WithLabelValues("requests").Set(float64(requests))
		openBookEntries.WithLabelValues("offers").Set(float64(offers))
	}
}
