package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finmetrics/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		UnmappedRateThreshold:          0.25,
		ValidationFailureRateThreshold: 0.10,
		MinBatches:                     5,
	}
}

func TestAlerter_Evaluate(t *testing.T) {
	tests := []struct {
		name string
		snap MetricsSnapshot
		want []AlertType
	}{
		{
			name: "healthy",
			snap: MetricsSnapshot{Batches: 20, UnmappedRate: 0.05, ValidationsRun: 100, ValidationsFailed: 3, ValidationFailRate: 0.03},
		},
		{
			name: "unmapped rate",
			snap: MetricsSnapshot{Batches: 20, Mapped: 60, Unmapped: 40, UnmappedRate: 0.4},
			want: []AlertType{AlertUnmappedRate},
		},
		{
			name: "validation failure rate",
			snap: MetricsSnapshot{Batches: 10, ValidationsRun: 40, ValidationsFailed: 10, ValidationFailRate: 0.25},
			want: []AlertType{AlertValidationFailureRate},
		},
		{
			name: "errored rules alert regardless of volume",
			snap: MetricsSnapshot{Batches: 1, ValidationsErrored: 2},
			want: []AlertType{AlertValidationErrors},
		},
		{
			name: "too few batches for rate alerts",
			snap: MetricsSnapshot{Batches: 3, UnmappedRate: 0.9, ValidationFailRate: 0.9},
		},
		{
			name: "everything",
			snap: MetricsSnapshot{Batches: 10, UnmappedRate: 0.5, ValidationFailRate: 0.5, ValidationsErrored: 1},
			want: []AlertType{AlertUnmappedRate, AlertValidationFailureRate, AlertValidationErrors},
		},
	}

	a := NewAlerter(testMonitoringConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := tt.snap
			snap.LookbackHours = 24
			var got []AlertType
			for _, al := range a.Evaluate(&snap) {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerter_Evaluate_Message(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	alerts := a.Evaluate(&MetricsSnapshot{
		Batches: 8, ValidationsRun: 20, ValidationsFailed: 8, ValidationFailRate: 0.4, LookbackHours: 24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "8 failed / 20 run")
}

func TestAlerter_Evaluate_ZeroThresholdsDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.Evaluate(&MetricsSnapshot{Batches: 100, UnmappedRate: 1, ValidationFailRate: 1})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertUnmappedRate, Severity: "medium", Message: "test alert 1"},
		{Type: AlertValidationErrors, Severity: "high", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_NoOp(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertUnmappedRate}}))

	a = NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertUnmappedRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}
