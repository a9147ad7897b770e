package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/finmetrics/internal/pipeline"
	"github.com/sells-group/finmetrics/internal/store"
)

func TestFormatBatchList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	batches := []store.BatchRecord{
		{
			ID:              "abc12345-6789-0000-0000-000000000000",
			Entity:          "Acme Corp",
			Period:          "2024-01-01/2024-12-31",
			OntologyVersion: "2024.1",
			Profile:         "moderate",
			Summary:         pipeline.Summary{Observations: 12, Mapped: 10, Calculated: 8, Gaps: 3, Failed: 1},
			StartedAt:       now.Add(-1500 * time.Millisecond),
			CompletedAt:     now,
		},
		{
			ID:          "def12345-6789-0000-0000-000000000000",
			Entity:      "A holding company with a very long registered name",
			Period:      "2024-06-30",
			Profile:     "strict",
			StartedAt:   now.Add(-time.Hour),
			CompletedAt: now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatBatchList(&buf, batches)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "ENTITY")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "Acme Corp")
	assert.Contains(t, output, "10/12")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "1.5s")
	assert.Contains(t, output, "A holding company with a ve...")
	assert.Contains(t, output, "strict")
}

func TestFormatMetricHistory(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	hist := []store.MetricRecord{
		{BatchID: "b2", MetricID: "revenue", Entity: "acme", Period: "2024-01-01/2024-12-31", Value: 1234.5, Confidence: 0.95, Origin: "observed", Citation: "fy24.xlsx › P&L!B2", CompletedAt: now},
		{BatchID: "b1", MetricID: "revenue", Entity: "acme", Period: "2023-01-01/2023-12-31", Value: 1000, Confidence: 0.9, Origin: "observed", Citation: "fy23.csv › B1", CompletedAt: now.Add(-24 * time.Hour)},
	}

	var buf bytes.Buffer
	formatMetricHistory(&buf, hist)

	output := buf.String()
	assert.Contains(t, output, "1234.5")
	assert.Contains(t, output, "1000")
	assert.NotContains(t, output, "1000.0")
	assert.Contains(t, output, "0.95")
	assert.Contains(t, output, "fy24.xlsx › P&L!B2")
	assert.Contains(t, output, "2025-06-14 10:30")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}
