package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/nainya/spatialstore/pkg/indexer"
	"github.com/nainya/spatialstore/pkg/query"
)

var (
	_ query.Observer   = (*Metrics)(nil)
	_ indexer.Recorder = (*Metrics)(nil)
)

func TestMetricsUseTheGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	defer m.Close()

	// A second set on a fresh registry must not collide
	other := NewMetrics(prometheus.NewRegistry())
	defer other.Close()

	m.ObserveQuery("basicIndex", "rows", 2, 11, time.Millisecond)
	m.ObserveQuery("basicIndex", "count", 1, 10, time.Millisecond)
	m.ObserveGenerations("basicIndex", 5)
	m.ObserveNormalizationError("basicIndex")
	m.ObserveIndexState("basicIndex", 42, 17)
	m.RecordHTTPRequest("/{index}/_spatial", 200, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("basicIndex", "rows")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.GenerationsTotal.WithLabelValues("basicIndex")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NormalizationErrors.WithLabelValues("basicIndex")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.IndexUpdateSeq.WithLabelValues("basicIndex")))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.IndexEntries.WithLabelValues("basicIndex")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/{index}/_spatial", "200")))

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)

	m.ForgetIndex("basicIndex")
	assert.Equal(t, 0, testutil.CollectAndCount(m.IndexUpdateSeq))
}
