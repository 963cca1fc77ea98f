package core

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

type contextKey string

const requestIDKey contextKey = "conductor.request_id"

// WithRequestID attaches a request correlation ID to the context.
// The API layer sets this for every inbound request; loggers and the
// engine read it back for correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request correlation ID, or "" when unset.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// JSONLogger writes one JSON object per record. It implements Logger and
// ComponentAwareLogger. Output defaults to stdout; tests inject buffers.
type JSONLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	component string
	minLevel  int
}

var levelNames = map[int]string{0: "DEBUG", 1: "INFO", 2: "WARN", 3: "ERROR"}

// NewJSONLogger creates a logger writing to stdout at INFO level.
func NewJSONLogger() *JSONLogger {
	return NewJSONLoggerWithWriter(os.Stdout, 1)
}

// NewJSONLoggerWithWriter creates a logger with explicit sink and level.
// Levels: 0=debug 1=info 2=warn 3=error.
func NewJSONLoggerWithWriter(out io.Writer, minLevel int) *JSONLogger {
	return &JSONLogger{mu: &sync.Mutex{}, out: out, minLevel: minLevel}
}

// WithComponent returns a derived logger tagging records with component.
func (l *JSONLogger) WithComponent(component string) Logger {
	return &JSONLogger{mu: l.mu, out: l.out, component: component, minLevel: l.minLevel}
}

func (l *JSONLogger) log(level int, msg string, fields map[string]interface{}) {
	if level < l.minLevel {
		return
	}
	record := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			record[k] = err.Error()
			continue
		}
		record[k] = v
	}
	record["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = levelNames[level]
	record["msg"] = msg
	if l.component != "" {
		record["component"] = l.component
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

func (l *JSONLogger) logCtx(ctx context.Context, level int, msg string, fields map[string]interface{}) {
	if id := GetRequestID(ctx); id != "" {
		merged := make(map[string]interface{}, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		merged["request_id"] = id
		fields = merged
	}
	l.log(level, msg, fields)
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) { l.log(0, msg, fields) }
func (l *JSONLogger) Info(msg string, fields map[string]interface{})  { l.log(1, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields map[string]interface{})  { l.log(2, msg, fields) }
func (l *JSONLogger) Error(msg string, fields map[string]interface{}) { l.log(3, msg, fields) }

func (l *JSONLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logCtx(ctx, 0, msg, fields)
}

func (l *JSONLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logCtx(ctx, 1, msg, fields)
}

func (l *JSONLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logCtx(ctx, 2, msg, fields)
}

func (l *JSONLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logCtx(ctx, 3, msg, fields)
}

// ComponentLogger derives a component-tagged logger when the base logger
// supports it, otherwise returns the base logger unchanged.
func ComponentLogger(base Logger, component string) Logger {
	if base == nil {
		return &NoOpLogger{}
	}
	if cal, ok := base.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return base
}
