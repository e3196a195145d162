package connector

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogWA adapts slog to the whatsmeow logger interface.
type slogWA struct {
	logger *slog.Logger
}

func newWALogger(logger *slog.Logger) waLog.Logger {
	return slogWA{logger: logger}
}

func (l slogWA) Errorf(msg string, args ...interface{}) { l.logger.Error(fmt.Sprintf(msg, args...)) }
func (l slogWA) Warnf(msg string, args ...interface{})  { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l slogWA) Infof(msg string, args ...interface{})  { l.logger.Info(fmt.Sprintf(msg, args...)) }
func (l slogWA) Debugf(msg string, args ...interface{}) { l.logger.Debug(fmt.Sprintf(msg, args...)) }

func (l slogWA) Sub(module string) waLog.Logger {
	return slogWA{logger: l.logger.With("module", module)}
}
