package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/routeguard"
)

// LogMeter logs routing events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ routeguard.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, zap.L() is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e routeguard.RouteEvent) {
	m.Logger.Info("route",
		zap.String("request_id", e.RequestID),
		zap.String("provider", string(e.Provider)),
		zap.String("kind", string(e.Kind)),
		zap.String("operation", e.OperationType),
		zap.String("strategy", e.Strategy),
		zap.Float64("score", e.Score),
		zap.Int("candidates", e.Candidates),
		zap.Int("attempt", e.AttemptNum),
	)
}

func (m *LogMeter) OnResult(e routeguard.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			zap.String("request_id", e.RequestID),
			zap.String("provider", string(e.Provider)),
			zap.Int64("duration_ms", e.Duration.Milliseconds()),
			zap.Uint64("units", e.Units),
			zap.Float64("cost", e.Cost),
		)
	} else {
		m.Logger.Warn("result_error",
			zap.String("request_id", e.RequestID),
			zap.String("provider", string(e.Provider)),
			zap.Int64("duration_ms", e.Duration.Milliseconds()),
			zap.Error(e.Error),
		)
	}
}

func (m *LogMeter) OnStateChange(e routeguard.StateChange) {
	m.Logger.Info("breaker_state",
		zap.String("provider", string(e.Provider)),
		zap.Stringer("from", e.From),
		zap.Stringer("to", e.To),
		zap.Time("at", e.At),
	)
}
