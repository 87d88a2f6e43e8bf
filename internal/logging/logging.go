package logging

import (
	"go.uber.org/zap"
)

// New builds the process logger and installs it as the zap global so that
// packages can log through zap.L() without threading a logger everywhere.
func New(development bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
