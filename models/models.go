package models

import (
	"time"
)

type Metric string

const (
	MetricDMARCFailureRate Metric = "dmarc_failure_rate"
	MetricVolumeIncrease   Metric = "volume_increase"
	MetricNewFailureIPs    Metric = "new_failure_ips"
	MetricSPFFailures      Metric = "spf_failures"
)

// Metrics lists every supported metric.
var Metrics = []Metric{
	MetricDMARCFailureRate,
	MetricVolumeIncrease,
	MetricNewFailureIPs,
	MetricSPFFailures,
}

func (m Metric) Valid() bool {
	for _, known := range Metrics {
		if m == known {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

type Rule struct {
	ID                     string    `json:"id"`
	OwnerID                string    `json:"owner_id,omitempty"`
	Name                   string    `json:"name"`
	Description            string    `json:"description"`
	Metric                 Metric    `json:"metric"`
	ThresholdValue         float64   `json:"threshold_value"`
	ThresholdOperator      string    `json:"threshold_operator"`
	TimeWindowMinutes      int       `json:"time_window_minutes"`
	DomainFilter           string    `json:"domain_filter,omitempty"`
	GroupFilter            string    `json:"group_filter,omitempty"`
	Severity               Severity  `json:"severity"`
	NotificationChannels   []Channel `json:"notification_channels"`
	NotificationRecipients []string  `json:"notification_recipients"`
	WebhookURL             string    `json:"webhook_url,omitempty"`
	Enabled                bool      `json:"enabled"`
}

// HasChannel reports whether the rule notifies over ch.
func (r Rule) HasChannel(ch Channel) bool {
	for _, c := range r.NotificationChannels {
		if c == ch {
			return true
		}
	}
	return false
}

type IncidentStatus string

const (
	StatusOpen         IncidentStatus = "open"
	StatusAcknowledged IncidentStatus = "acknowledged"
	StatusResolved     IncidentStatus = "resolved"
)

var statusOrder = map[IncidentStatus]int{
	StatusOpen:         0,
	StatusAcknowledged: 1,
	StatusResolved:     2,
}

// CanTransition reports whether moving from one status to another keeps the
// lifecycle forward-only.
func CanTransition(from, to IncidentStatus) bool {
	f, ok := statusOrder[from]
	if !ok {
		return false
	}
	t, ok := statusOrder[to]
	if !ok {
		return false
	}
	return t > f
}

type Incident struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	MetricValue    float64        `json:"metric_value"`
	ThresholdValue float64        `json:"threshold_value"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details"`
	Status         IncidentStatus `json:"status"`
	TriggeredAt    time.Time      `json:"triggered_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	NotifiedAt     *time.Time     `json:"notified_at,omitempty"`
	NotifyError    string         `json:"notify_error,omitempty"`
}

type ScheduleKind string

const (
	KindDigest ScheduleKind = "digest"
	KindReport ScheduleKind = "report"
)

type Schedule struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id,omitempty"`
	Name          string       `json:"name"`
	Kind          ScheduleKind `json:"kind"`
	Frequency     string       `json:"frequency"`
	Recipients    []string     `json:"recipients"`
	DomainFilter  string       `json:"domain_filter,omitempty"`
	GroupFilter   string       `json:"group_filter,omitempty"`
	Enabled       bool         `json:"enabled"`
	LastRunAt     *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time   `json:"next_run_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
}
