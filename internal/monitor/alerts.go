package monitor

import "go.uber.org/zap"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the log; it is the default sink.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(message string) error {
	s.Log.Warn("alert", zap.String("message", message))
	return nil
}
