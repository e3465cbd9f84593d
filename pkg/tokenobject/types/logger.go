package types

// Logger is the ambient logging seam used across the token manager,
// the replicated object and the transport implementations. A default
// implementation wrapping the standard library's log.Logger is provided
// by the definition package; callers may supply their own.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}
