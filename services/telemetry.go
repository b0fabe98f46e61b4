package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	incidentsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmarcwatch",
			Name:      "incidents_created_total",
			Help:      "Incidents opened by rule evaluation",
		},
		[]string{"metric", "severity"},
	)

	incidentsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmarcwatch",
			Name:      "incidents_suppressed_total",
			Help:      "Threshold crossings absorbed by an already open incident",
		},
		[]string{"metric"},
	)

	ruleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmarcwatch",
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations by outcome",
		},
		[]string{"outcome"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmarcwatch",
			Name:      "notifications_total",
			Help:      "Notification legs by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	ssrfRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dmarcwatch",
			Name:      "webhook_ssrf_rejections_total",
			Help:      "Webhook sends refused by the SSRF guard",
		},
	)

	scheduleRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmarcwatch",
			Name:      "schedule_runs_total",
			Help:      "Scheduled digest and report runs by outcome",
		},
		[]string{"kind", "outcome"},
	)

	passDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dmarcwatch",
			Name:      "pass_duration_seconds",
			Help:      "Duration of alert and schedule passes in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"pass"},
	)
)

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
