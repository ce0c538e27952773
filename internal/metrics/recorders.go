package metrics

import "github.com/hitchhikinghq/collector/pkg/types"

type ProbeRecorder interface {
	IncRoundsLaunched()
	IncLaunchFailures()
	ObserveRound(status types.Status)
	AddRows(class types.HopClass, rows int)
}

type NoopProbeRecorder struct{}

func (NoopProbeRecorder) IncRoundsLaunched()                     {}
func (NoopProbeRecorder) IncLaunchFailures()                     {}
func (NoopProbeRecorder) ObserveRound(status types.Status)       {}
func (NoopProbeRecorder) AddRows(class types.HopClass, rows int) {}

type PipelineRecorder interface {
	ObserveDiscovery(records int, status types.Status)
	ObserveTrace(traced, excluded int)
	ObserveGroups(groups int)
}

type NoopPipelineRecorder struct{}

func (NoopPipelineRecorder) ObserveDiscovery(records int, status types.Status) {}
func (NoopPipelineRecorder) ObserveTrace(traced, excluded int)                 {}
func (NoopPipelineRecorder) ObserveGroups(groups int)                          {}
