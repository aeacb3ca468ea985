package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOfferSent()
	c.RecordOfferSent()
	c.RecordOfferDeclined()
	c.RecordTaskLaunched()
	c.RecordTaskTerminal("FINISHED")
	c.RecordTaskTerminal("FINISHED")
	c.RecordTaskTerminal("FAILED")
	c.RecordReplicaPromise()
	c.RecordReplicaWrite()
	c.SetWorkersActive(3)
	c.SetFrameworksActive(2)
	c.SetReplicaCacheSize(128)
	c.ObserveAllocatorTick(0.02)
	c.ObserveStatusUpdateAck(1.2)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	require.Contains(t, byName, "offers_sent_total")
	assert.Equal(t, float64(2), byName["offers_sent_total"].Metric[0].Counter.GetValue())

	require.Contains(t, byName, "offers_declined_total")
	assert.Equal(t, float64(1), byName["offers_declined_total"].Metric[0].Counter.GetValue())

	require.Contains(t, byName, "tasks_terminal_total")
	var finished, failed float64
	for _, m := range byName["tasks_terminal_total"].Metric {
		for _, lp := range m.Label {
			if lp.GetValue() == "FINISHED" {
				finished = m.Counter.GetValue()
			}
			if lp.GetValue() == "FAILED" {
				failed = m.Counter.GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), finished)
	assert.Equal(t, float64(1), failed)

	require.Contains(t, byName, "workers_active")
	assert.Equal(t, float64(3), byName["workers_active"].Metric[0].Gauge.GetValue())

	require.Contains(t, byName, "frameworks_active")
	assert.Equal(t, float64(2), byName["frameworks_active"].Metric[0].Gauge.GetValue())

	require.Contains(t, byName, "replica_cache_size")
	assert.Equal(t, float64(128), byName["replica_cache_size"].Metric[0].Gauge.GetValue())

	require.Contains(t, byName, "allocator_tick_seconds")
	require.Contains(t, byName, "status_update_ack_seconds")
}

func TestConcurrentRecordsDoNotRace(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	done := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		go func() {
			c.RecordOfferSent()
			c.RecordTaskTerminal("FINISHED")
			c.SetWorkersActive(1)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
