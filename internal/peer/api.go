package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds the pion API used for every peer connection, with pion's
// internal logging routed into slog. A nil media engine keeps pion's
// default codecs; capture sources supply a populated one.
func NewAPI(log *slog.Logger, media *webrtc.MediaEngine) *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: &slogLoggerFactory{log: log},
	}
	opts := []func(*webrtc.API){webrtc.WithSettingEngine(se)}
	if media != nil {
		opts = append(opts, webrtc.WithMediaEngine(media))
	}
	return webrtc.NewAPI(opts...)
}

type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("scope", scope)}
}

// slogLeveledLogger adapts pion's LeveledLogger to slog. Trace maps to
// debug; pion is chatty at trace level and slog has no finer level.
type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Info(msg string) { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Error(msg string) { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}
