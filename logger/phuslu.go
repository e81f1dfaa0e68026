package logger

import (
	"fmt"
	"time"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the package-level phuslu-style logger.
type PhusluLogger struct {
	component string
}

func NewPhusluLogger() *PhusluLogger { return &PhusluLogger{} }

// Named returns a logger that tags every line with component=name.
func (p *PhusluLogger) Named(name string) *PhusluLogger {
	return &PhusluLogger{component: name}
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) { p.emit(phlog.Debug(), msg, keyvals) }
func (p *PhusluLogger) Info(msg string, keyvals ...any)  { p.emit(phlog.Info(), msg, keyvals) }
func (p *PhusluLogger) Warn(msg string, keyvals ...any)  { p.emit(phlog.Warn(), msg, keyvals) }
func (p *PhusluLogger) Error(msg string, keyvals ...any) { p.emit(phlog.Error(), msg, keyvals) }

func (p *PhusluLogger) emit(b *phlog.Entry, msg string, keyvals []any) {
	if p.component != "" {
		b = b.Str("component", p.component)
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case time.Duration:
			b = b.Str(ks, vv.String())
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	b.Msg(msg)
}
