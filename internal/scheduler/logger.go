package scheduler

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's key/value logs to zap. Cron's info output is
// per-tick chatter, so it goes to debug.
type cronLogger struct {
	log *zap.SugaredLogger
}

var _ cron.Logger = (*cronLogger)(nil)

func newCronLogger(logger *zap.Logger) *cronLogger {
	return &cronLogger{log: logger.Named("cron").Sugar()}
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
