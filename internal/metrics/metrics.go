// Package metrics owns the control plane's Prometheus collectors: one
// registry shared by every component instead of the global default
// registry, the same registry-owns-its-collectors shape as the retrieved
// system_health_logging.go's HealthLogger (prometheus.NewRegistry() plus a
// struct field per Gauge/Counter, all MustRegistered together at
// construction).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the single point of instrumentation for the admission
// controller, storage gateway, expiry sweeper, and signaling hub.
type Metrics struct {
	Registry *prometheus.Registry

	AdmissionAllowed *prometheus.CounterVec
	AdmissionDenied  *prometheus.CounterVec

	PresignUploadTotal   prometheus.Counter
	FinalizeUploadTotal  prometheus.Counter
	PresignDownloadTotal prometheus.Counter
	RevokeTotal          prometheus.Counter

	SweepExpiredTotal    prometheus.Counter
	SweepReclaimFailures prometheus.Counter
	SweepBatchSize       prometheus.Histogram

	SignalingJoinsTotal  prometheus.Counter
	SignalingErrorsTotal *prometheus.CounterVec
}

// New builds a Metrics with every collector registered against its own
// registry, ready to be served by promhttp.HandlerFor.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AdmissionAllowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropmesh_admission_allowed_total",
			Help: "Requests allowed by the admission controller, by bucket and tier.",
		}, []string{"bucket", "tier"}),
		AdmissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropmesh_admission_denied_total",
			Help: "Requests denied by the admission controller, by bucket and tier.",
		}, []string{"bucket", "tier"}),
		PresignUploadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_presign_upload_total",
			Help: "Total issue_upload calls.",
		}),
		FinalizeUploadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_finalize_upload_total",
			Help: "Total finalize_upload calls.",
		}),
		PresignDownloadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_presign_download_total",
			Help: "Total issue_download calls.",
		}),
		RevokeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_revoke_total",
			Help: "Total revoke calls.",
		}),
		SweepExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_sweep_expired_total",
			Help: "Expired shares whose storage object the expiry sweeper reclaimed.",
		}),
		SweepReclaimFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_sweep_reclaim_failures_total",
			Help: "Storage object reclaim attempts that failed during a sweep pass.",
		}),
		SweepBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dropmesh_sweep_batch_size",
			Help:    "Number of shares claimed per expiry sweep pass.",
			Buckets: prometheus.LinearBuckets(0, 25, 10),
		}),
		SignalingJoinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_signaling_joins_total",
			Help: "Total join_room messages accepted by the signaling hub.",
		}),
		SignalingErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropmesh_signaling_errors_total",
			Help: "Error envelopes sent by the signaling hub, by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		m.AdmissionAllowed, m.AdmissionDenied,
		m.PresignUploadTotal, m.FinalizeUploadTotal, m.PresignDownloadTotal, m.RevokeTotal,
		m.SweepExpiredTotal, m.SweepReclaimFailures, m.SweepBatchSize,
		m.SignalingJoinsTotal, m.SignalingErrorsTotal,
	)
	return m
}

// RegisterActiveGauge wires a GaugeFunc collector backed by fn, for values
// (active rooms, active peers) owned by a component constructed after New.
func (m *Metrics) RegisterActiveGauge(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}
