// Copyright (C) 2025 The lunagraph authors. All rights reserved.

package lunagraph

import "expvar"

// connMetrics record conn activity counters.
type metricSet struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	callOut       expvar.Int // number of calls initiated
	callOutErr    expvar.Int // number of calls reporting an error
	callPending   expvar.Int // calls awaiting a response

	emap *expvar.Map
}

var connMetrics = newMetricSet()

func newMetricSet() *metricSet {
	m := &metricSet{emap: new(expvar.Map)}
	m.emap.Set("packets_received", &m.packetRecv)
	m.emap.Set("packets_sent", &m.packetSent)
	m.emap.Set("packets_dropped", &m.packetDropped)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", &m.callPending)
	return m
}
