package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dmarcwatch/config"
	"dmarcwatch/logging"
	"dmarcwatch/models"
)

// Leg is one delivery attempt: one email recipient or one webhook URL.
type Leg struct {
	Channel models.Channel `json:"channel"`
	Target  string         `json:"target"`
	Err     error          `json:"-"`
}

func (l Leg) OK() bool { return l.Err == nil }

// Blocked reports whether the SSRF guard refused the leg.
func (l Leg) Blocked() bool { return errors.Is(l.Err, ErrSSRFBlocked) }

// DispatchResult collects every leg of a notification so partial failures
// stay visible.
type DispatchResult struct {
	Legs []Leg `json:"legs"`
}

func (r DispatchResult) Failed() []Leg {
	var out []Leg
	for _, l := range r.Legs {
		if !l.OK() {
			out = append(out, l)
		}
	}
	return out
}

// OK is true when every leg succeeded, including when there were none.
func (r DispatchResult) OK() bool { return len(r.Failed()) == 0 }

// Err joins the failed legs, or returns nil.
func (r DispatchResult) Err() error {
	var errs []error
	for _, l := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s %s: %w", l.Channel, l.Target, l.Err))
	}
	return errors.Join(errs...)
}

// Dispatcher fans an incident or digest out to its channels. A failing leg
// never stops the others.
type Dispatcher struct {
	mailer   Mailer
	webhooks *WebhookSender
	features config.Features
	timeout  time.Duration
	logger   logging.Logger
}

func NewDispatcher(mailer Mailer, webhooks *WebhookSender, features config.Features, timeout time.Duration, logger logging.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{mailer: mailer, webhooks: webhooks, features: features, timeout: timeout, logger: logger}
}

// WebhookPayload is the JSON body posted for an incident.
type WebhookPayload struct {
	Event    string          `json:"event"`
	Incident models.Incident `json:"incident"`
	Rule     webhookRule     `json:"rule"`
}

type webhookRule struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Metric       models.Metric   `json:"metric"`
	Severity     models.Severity `json:"severity"`
	DomainFilter string          `json:"domain_filter,omitempty"`
	GroupFilter  string          `json:"group_filter,omitempty"`
}

// Dispatch notifies every channel configured on the rule.
func (d *Dispatcher) Dispatch(ctx context.Context, inc models.Incident, rule models.Rule) DispatchResult {
	var result DispatchResult

	if rule.HasChannel(models.ChannelEmail) && d.features.EmailEnabled {
		msg, err := renderIncidentEmail(inc, rule)
		for _, to := range rule.NotificationRecipients {
			if err != nil {
				result.Legs = append(result.Legs, d.finish(Leg{Channel: models.ChannelEmail, Target: to, Err: err}))
				continue
			}
			msg.To = to
			result.Legs = append(result.Legs, d.sendEmail(ctx, msg))
		}
	}

	if rule.HasChannel(models.ChannelWebhook) && d.features.WebhookEnabled {
		leg := Leg{Channel: models.ChannelWebhook, Target: rule.WebhookURL}
		switch {
		case strings.TrimSpace(rule.WebhookURL) == "":
			leg.Err = fmt.Errorf("%w: rule has no webhook url", ErrDispatchFailure)
		case d.webhooks == nil:
			leg.Err = fmt.Errorf("%w: webhook sender not configured", ErrDispatchFailure)
		default:
			leg.Err = d.webhooks.Send(ctx, rule.WebhookURL, WebhookPayload{
				Event:    "incident.opened",
				Incident: inc,
				Rule: webhookRule{
					ID:           rule.ID,
					Name:         rule.Name,
					Metric:       rule.Metric,
					Severity:     rule.Severity,
					DomainFilter: rule.DomainFilter,
					GroupFilter:  rule.GroupFilter,
				},
			})
		}
		result.Legs = append(result.Legs, d.finish(leg))
	}

	d.log(result).WithFields(logging.Fields{"incident_id": inc.ID, "rule_id": rule.ID}).Info("Incident dispatched")
	return result
}

// SendDigest emails a rendered schedule payload to each recipient.
func (d *Dispatcher) SendDigest(ctx context.Context, recipients []string, payload DigestPayload) DispatchResult {
	var result DispatchResult
	msg, renderErr := renderDigestEmail(payload)
	for _, to := range recipients {
		if renderErr != nil {
			result.Legs = append(result.Legs, d.finish(Leg{Channel: models.ChannelEmail, Target: to, Err: renderErr}))
			continue
		}
		msg.To = to
		result.Legs = append(result.Legs, d.sendEmail(ctx, msg))
	}
	d.log(result).WithField("schedule", payload.ScheduleName).Info("Digest dispatched")
	return result
}

func (d *Dispatcher) sendEmail(ctx context.Context, msg Message) Leg {
	leg := Leg{Channel: models.ChannelEmail, Target: msg.To}
	if d.mailer == nil {
		leg.Err = fmt.Errorf("%w: no mail transport configured", ErrDispatchFailure)
		return d.finish(leg)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.mailer.Send(sendCtx, msg); err != nil {
		leg.Err = fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}
	return d.finish(leg)
}

func (d *Dispatcher) finish(leg Leg) Leg {
	result := "success"
	switch {
	case leg.Blocked():
		result = "blocked"
		ssrfRejectionsTotal.Inc()
	case !leg.OK():
		result = "failure"
	}
	notificationsTotal.WithLabelValues(string(leg.Channel), result).Inc()
	if !leg.OK() {
		d.logger.WithFields(logging.Fields{
			"channel": leg.Channel,
			"target":  leg.Target,
			"error":   leg.Err,
		}).Warn("Notification leg failed")
	}
	return leg
}

func (d *Dispatcher) log(r DispatchResult) logging.Entry {
	return d.logger.WithFields(logging.Fields{
		"legs":   len(r.Legs),
		"failed": len(r.Failed()),
	})
}
