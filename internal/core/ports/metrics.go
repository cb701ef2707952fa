package ports

// Metrics is the observability hook the relay and coordinators report into.
// The prometheus collector implements it; NopMetrics is for tests.
type Metrics interface {
	IncPacketsForwarded(kind string)
	IncPacketsDropped(reason string)
	IncLayerSwitches()
	IncKeyframeRequests()
	IncRebinds()
	SetCoordinatorCount(n int)
	SetRelayCount(n int)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) IncPacketsForwarded(string) {}
func (NopMetrics) IncPacketsDropped(string)   {}
func (NopMetrics) IncLayerSwitches()          {}
func (NopMetrics) IncKeyframeRequests()       {}
func (NopMetrics) IncRebinds()                {}
func (NopMetrics) SetCoordinatorCount(int)    {}
func (NopMetrics) SetRelayCount(int)          {}
