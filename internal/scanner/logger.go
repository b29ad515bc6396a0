package scanner

// Logger receives progress messages from a scan.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Successf(format string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Infof(string, ...any)    {}
func (NopLogger) Warnf(string, ...any)    {}
func (NopLogger) Errorf(string, ...any)   {}
func (NopLogger) Successf(string, ...any) {}
