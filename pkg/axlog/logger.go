// Package axlog is the logging interface used throughout the module.
package axlog

type Logger interface {
	Info(s string, keyValues ...any)
	Error(s string, keyValues ...any)
	Debug(s string, keyValues ...any)
	Warn(s string, keyValues ...any)
}

// Nop discards everything.
var Nop Logger = nop{}

type nop struct{}

func (nop) Info(string, ...any)  {}
func (nop) Error(string, ...any) {}
func (nop) Debug(string, ...any) {}
func (nop) Warn(string, ...any)  {}

// OrNop returns l, or Nop if l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}

// With returns a logger that adds keyValues to every entry.
func With(l Logger, keyValues ...any) Logger {
	if len(keyValues) == 0 {
		return l
	}
	if w, ok := l.(interface{ With(...any) Logger }); ok {
		return w.With(keyValues...)
	}
	return &prefixed{inner: l, kv: keyValues}
}

type prefixed struct {
	inner Logger
	kv    []any
}

func (p *prefixed) join(kv []any) []any {
	out := make([]any, 0, len(p.kv)+len(kv))
	out = append(out, p.kv...)
	return append(out, kv...)
}

func (p *prefixed) Info(s string, kv ...any)  { p.inner.Info(s, p.join(kv)...) }
func (p *prefixed) Error(s string, kv ...any) { p.inner.Error(s, p.join(kv)...) }
func (p *prefixed) Debug(s string, kv ...any) { p.inner.Debug(s, p.join(kv)...) }
func (p *prefixed) Warn(s string, kv ...any)  { p.inner.Warn(s, p.join(kv)...) }
