// Package libav implements hw.Engine with the software decoders of libav
// (FFmpeg). It is the fallback for hosts without a hardware codec: the
// decode component is real, encode and VPP report StatusErrUnsupported.
package libav

import (
	"context"
	"fmt"
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type Config struct {
	// ThreadCount is the amount of decoding threads; zero lets libav decide.
	ThreadCount int

	// NumFrameMin is the amount of surfaces the decoder needs on its own.
	NumFrameMin uint16
}

func DefaultConfig() Config {
	return Config{
		NumFrameMin: 4,
	}
}

type Engine struct {
	config Config

	locker   xsync.Mutex
	sessions []*Session

	OpenCount  atomic.Uint64
	CloseCount atomic.Uint64
}

var _ hw.Engine = (*Engine)(nil)

func New(cfg Config) *Engine {
	if cfg.NumFrameMin == 0 {
		cfg.NumFrameMin = DefaultConfig().NumFrameMin
	}
	return &Engine{
		config: cfg,
	}
}

func (e *Engine) String() string {
	return "libav"
}

func (e *Engine) Open(
	ctx context.Context,
	impl hw.Implementation,
) (hw.Session, error) {
	logger.Debugf(ctx, "libav: Open(ctx, %s)", impl)
	if impl&0xff == hw.ImplementationHardware {
		return nil, fmt.Errorf("%s is a software implementation: %w", e, hw.StatusErrUnsupported)
	}
	s := newSession(e)
	e.locker.Do(ctx, func() {
		e.sessions = append(e.sessions, s)
	})
	e.OpenCount.Inc()
	return s, nil
}

func (e *Engine) forget(ctx context.Context, s *Session) {
	e.locker.Do(ctx, func() {
		for idx, candidate := range e.sessions {
			if candidate == s {
				e.sessions = append(e.sessions[:idx], e.sessions[idx+1:]...)
				break
			}
		}
	})
	e.CloseCount.Inc()
}

// LogLevelToAstiav returns the libav log level matching the logger level.
func LogLevelToAstiav(level logger.Level) astiav.LogLevel {
	switch level {
	case logger.LevelFatal:
		return astiav.LogLevelFatal
	case logger.LevelPanic:
		return astiav.LogLevelPanic
	case logger.LevelError:
		return astiav.LogLevelError
	case logger.LevelWarning:
		return astiav.LogLevelWarning
	case logger.LevelInfo:
		return astiav.LogLevelInfo
	case logger.LevelDebug:
		return astiav.LogLevelVerbose
	case logger.LevelTrace:
		return astiav.LogLevelTrace
	}
	return astiav.LogLevelQuiet
}

// LogLevelFromAstiav is the reverse of LogLevelToAstiav.
func LogLevelFromAstiav(level astiav.LogLevel) logger.Level {
	switch level {
	case astiav.LogLevelQuiet:
		return logger.LevelUndefined
	case astiav.LogLevelFatal:
		return logger.LevelFatal
	case astiav.LogLevelPanic:
		return logger.LevelPanic
	case astiav.LogLevelError:
		return logger.LevelError
	case astiav.LogLevelWarning:
		return logger.LevelWarning
	case astiav.LogLevelInfo:
		return logger.LevelInfo
	case astiav.LogLevelVerbose, astiav.LogLevelDebug:
		return logger.LevelDebug
	}
	return logger.LevelTrace
}

// RouteLogs makes libav log through l.
func RouteLogs(l logger.Logger) {
	astiav.SetLogLevel(LogLevelToAstiav(l.Level()))
	astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, format, msg string) {
		var cs string
		if c != nil {
			if cl := c.Class(); cl != nil {
				cs = " - class: " + cl.String()
			}
		}
		l.Logf(LogLevelFromAstiav(level), "%s%s", strings.TrimSpace(msg), cs)
	})
}
