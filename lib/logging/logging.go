package logging

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// New builds the process logger. Debug switches to the development config
// with console encoding; otherwise production JSON encoding is used.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// WithRun tags the logger with a unique identifier for one apply/destroy run
// so interleaved node logs can be correlated.
func WithRun(log *zap.Logger) *zap.Logger {
	return log.With(zap.String("runID", uuid.NewString()))
}
