// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/shakeelrao/distflow/pkg/util/leaktest"
)

func TestDistSQLMetrics(t *testing.T) {
	defer leaktest.AfterTest(t)()

	metrics := MakeDistSQLMetrics()
	reg := prometheus.NewRegistry()
	metrics.RegisterWith(reg)

	metrics.FlowStart()
	metrics.FlowStart()
	metrics.StreamStart()
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.FlowsActive))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.FlowsTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamsTotal))

	metrics.FlowStop()
	metrics.StreamStop()
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.FlowsActive))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.StreamsActive))
	// Totals are monotonic.
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.FlowsTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamsTotal))
}
