package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector_IsolatedRegistries(t *testing.T) {
	// two collectors on separate registries must not panic on duplicate names
	a := NewCollector("bikes", prometheus.NewRegistry())
	b := NewCollector("bikes", prometheus.NewRegistry())

	a.RecordRepair("fremont-bridge", 3, 1)
	b.RecordRepair("fremont-bridge", 1, 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(a.BrokenDaysRepaired.WithLabelValues("fremont-bridge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.BrokenDaysUnrepaired.WithLabelValues("fremont-bridge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.BrokenDaysRepaired.WithLabelValues("fremont-bridge")))
}

func TestCollector_Counters(t *testing.T) {
	c := NewTestCollector()

	c.RecordAPIRequest("/api/locations", "GET", "200")
	c.RecordAPIRequest("/api/locations", "GET", "200")
	c.RecordAPIError("not_found", "/api/locations/{slug}/daily")
	c.RecordFetchError("upms-nr8w", "decode")
	c.RecordCacheLookup("spokane-street-bridge", "fresh")
	c.RecordDBError("select_error")
	c.UpdateDBConnectionPool(2, 3, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.APIRequestsTotal.WithLabelValues("/api/locations", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.APIErrorsTotal.WithLabelValues("not_found", "/api/locations/{slug}/daily")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FetchErrorsTotal.WithLabelValues("upms-nr8w", "decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheLookupsTotal.WithLabelValues("spokane-street-bridge", "fresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DBErrorsTotal.WithLabelValues("select_error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.DBConnectionPool.WithLabelValues("total")))
}

func TestTimer_ObserveDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("bikes", reg)

	timer := c.StageTimer("normalize", "fremont-bridge")
	time.Sleep(time.Millisecond)
	assert.Greater(t, timer.ObserveDuration(), time.Duration(0))

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "bikes_pipeline_stage_duration_seconds" {
			found = true
			assert.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found)
}
