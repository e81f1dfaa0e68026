package logger

// NullLogger discards everything. Components fall back to it when no logger
// is configured.
type NullLogger struct{}

var discard = &NullLogger{}

func NewNullLogger() *NullLogger { return discard }

func (*NullLogger) Debug(string, ...any) {}
func (*NullLogger) Info(string, ...any)  {}
func (*NullLogger) Warn(string, ...any)  {}
func (*NullLogger) Error(string, ...any) {}
