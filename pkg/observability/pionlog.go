package observability

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory направляет логи библиотек pion в zap.
type PionLoggerFactory struct {
	log *zap.Logger
}

var _ logging.LoggerFactory = (*PionLoggerFactory)(nil)

func NewPionLoggerFactory(log *zap.Logger) *PionLoggerFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return &PionLoggerFactory{log: log}
}

func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{s: f.log.Named(scope).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// pionLogger реализует logging.LeveledLogger. Trace pion пишется как Debug.
type pionLogger struct {
	s *zap.SugaredLogger
}

func (l *pionLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.s.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.s.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
