package opsmetrics

import (
	"context"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Snapshot holds order lifecycle gauges refreshed from the database.
type Snapshot struct {
	registry *prometheus.Registry
	db       *gorm.DB

	ordersByPayment     *prometheus.GaugeVec
	ordersByFulfillment *prometheus.GaugeVec
	pendingEvents       prometheus.Gauge
	adjustments         *prometheus.GaugeVec
	commissionsPending  prometheus.Gauge
	memory              prometheus.Gauge
}

func NewSnapshot(db *gorm.DB) *Snapshot {
	s := &Snapshot{
		registry: prometheus.NewRegistry(),
		db:       db,
		ordersByPayment: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storefront_orders",
			Help: "Orders by payment status.",
		}, []string{"payment_status"}),
		ordersByFulfillment: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storefront_orders_fulfillment",
			Help: "Orders by fulfillment status.",
		}, []string{"fulfillment_status"}),
		pendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_payment_events_unprocessed",
			Help: "Recorded payment events not yet marked processed.",
		}),
		adjustments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storefront_inventory_adjustments",
			Help: "Inventory ledger rows by action.",
		}, []string{"action"}),
		commissionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_commissions_pending",
			Help: "Commission rows awaiting payout.",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_process_memory_bytes",
			Help: "Memory obtained from the OS by the process.",
		}),
	}
	s.registry.MustRegister(
		s.ordersByPayment,
		s.ordersByFulfillment,
		s.pendingEvents,
		s.adjustments,
		s.commissionsPending,
		s.memory,
	)
	return s
}

func (s *Snapshot) Registry() *prometheus.Registry {
	return s.registry
}

type labelCount struct {
	Label string
	Count int64
}

// Refresh recomputes every gauge. The first failing query aborts the refresh
// and leaves the remaining gauges at their previous values.
func (s *Snapshot) Refresh(ctx context.Context) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.memory.Set(float64(m.Sys))

	if s.db == nil {
		return nil
	}
	db := s.db.WithContext(ctx)

	if err := s.fillVec(db, s.ordersByPayment,
		`SELECT payment_status AS label, COUNT(*) AS count FROM orders GROUP BY payment_status`); err != nil {
		return err
	}
	if err := s.fillVec(db, s.ordersByFulfillment,
		`SELECT fulfillment_status AS label, COUNT(*) AS count FROM orders GROUP BY fulfillment_status`); err != nil {
		return err
	}
	if err := s.fillVec(db, s.adjustments,
		`SELECT action AS label, COUNT(*) AS count FROM inventory_adjustments GROUP BY action`); err != nil {
		return err
	}

	var pending int64
	if err := db.Raw(`SELECT COUNT(*) FROM payment_events WHERE processed_at IS NULL`).Scan(&pending).Error; err != nil {
		return err
	}
	s.pendingEvents.Set(float64(pending))

	var commissions int64
	if err := db.Raw(`SELECT COUNT(*) FROM commissions WHERE status = ?`, "pending").Scan(&commissions).Error; err != nil {
		return err
	}
	s.commissionsPending.Set(float64(commissions))
	return nil
}

func (s *Snapshot) fillVec(db *gorm.DB, vec *prometheus.GaugeVec, query string) error {
	var rows []labelCount
	if err := db.Raw(query).Scan(&rows).Error; err != nil {
		return err
	}
	vec.Reset()
	for _, row := range rows {
		vec.WithLabelValues(normalizeLabel(row.Label)).Set(float64(row.Count))
	}
	return nil
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
