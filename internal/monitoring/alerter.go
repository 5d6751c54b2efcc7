package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/config"
	"github.com/sells-group/metagame-cli/internal/fetcher"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFetchFailures   AlertType = "fetch_failures"
	AlertQuarantineSpike AlertType = "quarantine_spike"
	AlertStaleOpen       AlertType = "stale_open_tournaments"
)

// maxListedKeys bounds how many keys an alert message names.
const maxListedKeys = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg   config.MonitoringConfig
	fetch fetcher.Fetcher
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg: cfg,
		fetch: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			Source:            "monitoring",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 1,
			Burst:             5,
		}),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.FailureThreshold > 0 && snap.FetchFailures >= a.cfg.FailureThreshold {
		details := map[string]any{
			"failures":  snap.FetchFailures,
			"threshold": a.cfg.FailureThreshold,
		}
		for kind, n := range snap.FailuresByKind {
			details[string(kind)] = n
		}
		alerts = append(alerts, Alert{
			Type:     AlertFetchFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d tournament fetches failed after retries in last %dh (threshold %d)",
				snap.FetchFailures, snap.LookbackHours, a.cfg.FailureThreshold,
			),
			Details:   details,
			Timestamp: now,
		})
	}

	if a.cfg.QuarantineThreshold > 0 && snap.Quarantined >= a.cfg.QuarantineThreshold {
		details := map[string]any{
			"quarantined": snap.Quarantined,
			"threshold":   a.cfg.QuarantineThreshold,
		}
		for reason, n := range snap.QuarantineByReason {
			details[reason] = n
		}
		alerts = append(alerts, Alert{
			Type:     AlertQuarantineSpike,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d decks or records quarantined in last %dh (threshold %d)",
				snap.Quarantined, snap.LookbackHours, a.cfg.QuarantineThreshold,
			),
			Details:   details,
			Timestamp: now,
		})
	}

	if snap.StaleOpen > 0 {
		keys := snap.StaleOpenKeys
		if len(keys) > maxListedKeys {
			keys = keys[:maxListedKeys]
		}
		alerts = append(alerts, Alert{
			Type:     AlertStaleOpen,
			Severity: "low",
			Message: fmt.Sprintf(
				"%d tournaments still open %d days after their date: %s",
				snap.StaleOpen, a.cfg.StaleOpenDays, strings.Join(keys, ", "),
			),
			Details: map[string]any{
				"stale_open": snap.StaleOpen,
				"keys":       snap.StaleOpenKeys,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.fetch.PostJSON(ctx, a.cfg.WebhookURL, nil, alert, nil); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(eris.Wrap(err, "monitoring: webhook")),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}
