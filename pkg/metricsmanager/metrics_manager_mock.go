package metricsmanager

import (
	"sync/atomic"

	"github.com/goradd/maps"
)

var _ MetricsManager = (*MetricsMock)(nil)

type MetricsMock struct {
	ReplayCounter      atomic.Int64
	FailedTraceCounter atomic.Int32
	EventCounter       maps.SafeMap[string, int]
	CheckpointCounter  maps.SafeMap[string, int]
	StepCounter        maps.SafeMap[string, int]
	RequestDoneCounter maps.SafeMap[string, int]
}

func NewMetricsMock() *MetricsMock {
	return &MetricsMock{}
}

func (m *MetricsMock) Start() {
}

func (m *MetricsMock) Destroy() {
	m.ReplayCounter.Store(0)
	m.FailedTraceCounter.Store(0)
	m.EventCounter.Clear()
	m.CheckpointCounter.Clear()
	m.StepCounter.Clear()
	m.RequestDoneCounter.Clear()
}

func (m *MetricsMock) ReportEvent(trace string) {
	m.EventCounter.Set(trace, m.EventCounter.Get(trace)+1)
}

func (m *MetricsMock) ReportReplay(_ string, events int) {
	m.ReplayCounter.Add(int64(events))
}

func (m *MetricsMock) ReportCheckpoint(trace string) {
	m.CheckpointCounter.Set(trace, m.CheckpointCounter.Get(trace)+1)
}

func (m *MetricsMock) ReportTraceFailed(_ string) {
	m.FailedTraceCounter.Add(1)
}

func (m *MetricsMock) ReportStep(result string) {
	m.StepCounter.Set(result, m.StepCounter.Get(result)+1)
}

func (m *MetricsMock) ReportRequestDone(reason string) {
	m.RequestDoneCounter.Set(reason, m.RequestDoneCounter.Get(reason)+1)
}
