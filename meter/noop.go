package meter

import "github.com/ineyio/routeguard"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ routeguard.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(routeguard.RouteEvent)        {}
func (m *NoopMeter) OnResult(routeguard.ResultEvent)      {}
func (m *NoopMeter) OnStateChange(routeguard.StateChange) {}
