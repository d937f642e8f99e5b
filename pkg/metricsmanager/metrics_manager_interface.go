package metricsmanager

// MetricsManager is an interface for reporting engine metrics
type MetricsManager interface {
	Start()
	Destroy()
	ReportEvent(trace string)
	ReportReplay(trace string, events int)
	ReportCheckpoint(trace string)
	ReportTraceFailed(trace string)
	ReportStep(result string)
	ReportRequestDone(reason string)
}
