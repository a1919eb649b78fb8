// Package reactorlog adapts github.com/joeycumines/logiface (backed by
// github.com/rs/zerolog, via the izerolog package from the same author's
// module) to the reactor.Logger interface, so a production TcpServer can
// log structured, leveled JSON instead of the dependency-free
// reactor.DefaultLogger.
//
// The core package's reactor.Logger interface is kept narrow and
// dependency-free so the reactor itself never needs a logging framework;
// this adapter is the integration point for embedders who want
// structured, leveled JSON output instead.
package reactorlog

import (
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"

	"github.com/netreactor/netreactor"
)

// zerologAdapter implements reactor.Logger on top of a logiface logger
// configured with the zerolog backend.
type zerologAdapter struct {
	log *logiface.Logger[*izerolog.Event]
}

// NewZerologLogger builds a reactor.Logger that writes through zl.
func NewZerologLogger(zl zerolog.Logger) reactor.Logger {
	return &zerologAdapter{log: logiface.New(izerolog.L.WithZerolog(zl))}
}

func (a *zerologAdapter) Debugf(format string, args ...any) { a.log.Debug().Logf(format, args...) }
func (a *zerologAdapter) Infof(format string, args ...any)  { a.log.Info().Logf(format, args...) }
func (a *zerologAdapter) Warnf(format string, args ...any)  { a.log.Warning().Logf(format, args...) }
func (a *zerologAdapter) Errorf(format string, args ...any) { a.log.Err().Logf(format, args...) }

// With returns a derived logger with kv permanently attached as fields to
// every subsequent line, via logiface's Context/Clone mechanism.
func (a *zerologAdapter) With(kv ...any) reactor.Logger {
	ctx := a.log.Clone()
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		ctx = ctx.Field(key, kv[i+1])
	}
	return &zerologAdapter{log: ctx.Logger()}
}
