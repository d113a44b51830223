package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizePathLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"/metrics", "/metrics"},
		{"/healthz", "/healthz"},
		{"/trees/mytree", "/trees/*"},
		{"/trees/mytree/commits/more/segments", "/trees/*"},
		{"/trees", "/trees"}, // Edge case: treated as segment, maybe should be /trees? Code says: if len(segs) <= 1 return / + segs[0]
		{"/trees?query=param", "/trees"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := sanitizePathLabel(tt.path)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Record requests with high cardinality paths
	m.RecordHTTPRequest(context.Background(), "GET", "/trees/alice/commits/1", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/trees/alice/commits/2", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/trees/bob/commits/1", http.StatusOK, time.Millisecond, 100)

	// Check that we have collapsed paths to /trees/*

	countAlice := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/trees/*", "OK"))
	assert.Equal(t, 3.0, countAlice)
}

func TestRecordCommit_DisableBranchLabel(t *testing.T) {
	// Create metrics with branch label disabled
	reg := prometheus.NewRegistry()
	cfg := Config{EnableBranchLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordCommit(context.Background(), "feature-1", time.Millisecond)
	m.RecordCommit(context.Background(), "feature-2", time.Millisecond)

	// Should align to branch="*"
	count := testutil.ToFloat64(m.commitTotal.WithLabelValues("*"))
	assert.Equal(t, 2.0, count)
}

func TestRecordCommitError_DisableBranchLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{EnableBranchLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordCommitError(context.Background(), "feature-1", "conflict")
	m.RecordCommitError(context.Background(), "feature-2", "conflict")

	count := testutil.ToFloat64(m.commitErrors.WithLabelValues("*", "conflict"))
	assert.Equal(t, 2.0, count)
}
