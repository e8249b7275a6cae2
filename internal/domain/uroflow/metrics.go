package uroflow

import "time"

// Metrics receives workspace events for instrumentation.
type Metrics interface {
	ReportComposed(source string)
	NarrativeObserved(d time.Duration, ok bool)
	AnalysisRun(outcome string)
	FetchFailed(kind string)
	StaleResponse()
}

type noopMetrics struct{}

func (noopMetrics) ReportComposed(string) {}
func (noopMetrics) NarrativeObserved(time.Duration, bool) {}
func (noopMetrics) AnalysisRun(string) {}
func (noopMetrics) FetchFailed(string) {}
func (noopMetrics) StaleResponse() {}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
