package kstream

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersCollectorsAndCountsIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, prometheus.Labels{"address": "kalice"})
	require.NoError(t, err)

	m.inboxDelivered.Inc()
	m.sendAttempts.Inc()
	m.sendAttempts.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			counts[f.GetName()] += metric.GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(1), counts["kstream_inbox_delivered_total"])
	require.Equal(t, float64(2), counts["kstream_outbox_send_attempts_total"])
}

func TestNewMetricsRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg, nil)
	require.NoError(t, err)

	_, err = NewMetrics(reg, nil)
	require.Error(t, err)
	var already prometheus.AlreadyRegisteredError
	require.ErrorAs(t, err, &already)
}
