// Package core holds the small set of cross-cutting interfaces shared
// by every package below it in the dependency graph — currently just
// the structured-logger contract every component is built against.
package core

// ILogger is the structured logging contract used throughout the
// engine. Implementations (pkg/logging.ZapLogger) attach request-scoped
// fields via WithField/WithFields rather than mutating shared state.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
