package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finmetrics/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertUnmappedRate          AlertType = "unmapped_rate"
	AlertValidationFailureRate AlertType = "validation_failure_rate"
	AlertValidationErrors      AlertType = "validation_errors"
)

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
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Alerter) minBatches() int {
	if a.cfg.MinBatches > 0 {
		return a.cfg.MinBatches
	}
	return 5
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rate alerts need at least MinBatches batches in the window.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	enough := snap.Batches >= a.minBatches()

	if enough && a.cfg.UnmappedRateThreshold > 0 && snap.UnmappedRate > a.cfg.UnmappedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertUnmappedRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Unmapped label rate %.1f%% exceeds threshold %.1f%% (%d of %d labels in %d batches, last %dh)",
				snap.UnmappedRate*100, a.cfg.UnmappedRateThreshold*100,
				snap.Unmapped, snap.Mapped+snap.Unmapped, snap.Batches, snap.LookbackHours,
			),
			Details: map[string]any{
				"unmapped_rate": snap.UnmappedRate,
				"threshold":     a.cfg.UnmappedRateThreshold,
				"unmapped":      snap.Unmapped,
				"batches":       snap.Batches,
			},
			Timestamp: now,
		})
	}

	if enough && a.cfg.ValidationFailureRateThreshold > 0 && snap.ValidationFailRate > a.cfg.ValidationFailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertValidationFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Validation failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d run in last %dh)",
				snap.ValidationFailRate*100, a.cfg.ValidationFailureRateThreshold*100,
				snap.ValidationsFailed, snap.ValidationsRun, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.ValidationFailRate,
				"threshold":    a.cfg.ValidationFailureRateThreshold,
				"failed":       snap.ValidationsFailed,
				"run":          snap.ValidationsRun,
				"worst_entity": snap.WorstEntity,
			},
			Timestamp: now,
		})
	}

	if snap.ValidationsErrored > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertValidationErrors,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d validation rule(s) errored in last %dh",
				snap.ValidationsErrored, snap.LookbackHours,
			),
			Details: map[string]any{
				"errored": snap.ValidationsErrored,
				"batches": snap.Batches,
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
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
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

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
