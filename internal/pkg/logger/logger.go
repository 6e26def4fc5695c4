package logger

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l Level) String() string { return levelNames[l] }

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level.
// Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger provides structured JSON logging with optional PII redaction.
type Logger struct {
	mu        sync.RWMutex
	zl        *zap.Logger
	level     zap.AtomicLevel
	redactPII bool
}

var defaultLogger = newLogger()

func newLogger() *Logger {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stderr), lvl)
	return &Logger{zl: zap.New(core), level: lvl, redactPII: true}
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.level.SetLevel(l.zapLevel()) }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// SetService tags every subsequent entry with the service name.
func SetService(name string) {
	defaultLogger.mu.Lock()
	defaultLogger.zl = defaultLogger.zl.With(zap.String("service", name))
	defaultLogger.mu.Unlock()
}

// UseCore replaces the output core. Used by tests to observe entries; the
// returned func restores the previous logger.
func UseCore(core zapcore.Core) (restore func()) {
	defaultLogger.mu.Lock()
	prev := defaultLogger.zl
	defaultLogger.zl = zap.New(core)
	defaultLogger.mu.Unlock()
	return func() {
		defaultLogger.mu.Lock()
		defaultLogger.zl = prev
		defaultLogger.mu.Unlock()
	}
}

// Sync flushes buffered entries.
func Sync() { _ = defaultLogger.zl.Sync() }

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	l.mu.RLock()
	zl, redact := l.zl, l.redactPII
	l.mu.RUnlock()

	ce := zl.Check(level.zapLevel(), msg)
	if ce == nil {
		return
	}

	// Parse key-value pairs from fields
	zf := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		switch v := fields[i+1].(type) {
		case error:
			val := v.Error()
			if redact {
				val = redactPIIValue(key, val)
			}
			zf = append(zf, zap.String(key, val))
		case string:
			if redact {
				v = redactPIIValue(key, v)
			}
			zf = append(zf, zap.String(key, v))
		case int, int64, int32, uint, uint64, bool, float64:
			zf = append(zf, zap.Any(key, v))
		default:
			val := fmt.Sprintf("%v", v)
			if redact {
				val = redactPIIValue(key, val)
			}
			zf = append(zf, zap.String(key, val))
		}
	}
	ce.Write(zf...)
}

var (
	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phoneRegex = regexp.MustCompile(`\+[0-9]{8,15}`)
)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	// Redact email fields
	if strings.Contains(key, "email") {
		return RedactEmail(val)
	}
	if strings.Contains(key, "phone") {
		return RedactPhone(val)
	}
	if strings.Contains(key, "recipient") {
		if strings.Contains(val, "@") {
			return RedactEmail(val)
		}
		return RedactPhone(val)
	}
	// Redact any embedded emails in generic fields
	val = emailRegex.ReplaceAllStringFunc(val, RedactEmail)
	return phoneRegex.ReplaceAllStringFunc(val, RedactPhone)
}
