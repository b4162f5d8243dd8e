package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDeploy(t *testing.T) {
	before := testutil.ToFloat64(deployments.WithLabelValues("deploy", "error"))
	RecordDeploy("deploy", errors.New("boom"))
	RecordDeploy("deploy", nil)

	assert.Equal(t, before+1, testutil.ToFloat64(deployments.WithLabelValues("deploy", "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(deployments.WithLabelValues("deploy", "ok")), 1.0)
}

func TestAddTracked(t *testing.T) {
	before := testutil.ToFloat64(trackedModules)
	AddTracked(3)
	AddTracked(2)
	assert.Equal(t, before+5, testutil.ToFloat64(trackedModules))
	AddTracked(-3)
	assert.Equal(t, before+2, testutil.ToFloat64(trackedModules))
	AddTracked(-2)
	assert.Equal(t, before, testutil.ToFloat64(trackedModules))
}

func TestObserveWaitDefaultsPhase(t *testing.T) {
	ObserveWait("", "ok", 20*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(waitDuration, "modharness_wait_duration_seconds"), 1)

	families, err := Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "modharness_wait_duration_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "phase" && l.GetValue() == "unknown" {
					found = true
				}
			}
		}
	}
	assert.True(t, found, "expected a series labelled phase=unknown")
}

func TestRegistryGathers(t *testing.T) {
	IncStopFailure()
	RecordLaunch("managed", nil)

	families, err := Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["modharness_stop_failures_total"])
	assert.True(t, names["modharness_runtime_launches_total"])
}
