package logging

import (
	"fmt"
	"strings"
)

// PrintfAdapter routes printf-style library logging into a structured
// Logger at a fixed level. It satisfies the Println/Printf logger interface
// used by the MQTT client library.
type PrintfAdapter struct {
	logger Logger
	level  Level
}

// NewPrintfAdapter creates an adapter that logs every line at level, tagged with component.
func NewPrintfAdapter(logger Logger, component string, level Level) *PrintfAdapter {
	return &PrintfAdapter{
		logger: logger.WithFields(String("component", component)),
		level:  level,
	}
}

// Println logs the space-joined operands
func (a *PrintfAdapter) Println(v ...interface{}) {
	a.emit(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Printf logs a formatted message
func (a *PrintfAdapter) Printf(format string, v ...interface{}) {
	a.emit(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}

func (a *PrintfAdapter) emit(msg string) {
	fields := extractFieldsFromMessage(&msg)
	switch a.level {
	case DebugLevel:
		a.logger.Debug(msg, fields...)
	case WarnLevel:
		a.logger.Warn(msg, fields...)
	case ErrorLevel, FatalLevel:
		a.logger.Error(msg, fields...)
	default:
		a.logger.Info(msg, fields...)
	}
}

// extractFieldsFromMessage lifts well-known "key=value" fragments out of
// library log lines so they become queryable fields.
func extractFieldsFromMessage(msg *string) []Field {
	fields := []Field{}

	patterns := []struct {
		prefix string
		field  string
	}{
		{"topic=", "topic"},
		{"clientid=", "client_id"},
		{"broker=", "broker"},
		{"error=", "error_detail"},
	}

	for _, pattern := range patterns {
		idx := strings.Index(*msg, pattern.prefix)
		if idx < 0 {
			continue
		}
		start := idx + len(pattern.prefix)
		end := start
		for end < len(*msg) && (*msg)[end] != ' ' && (*msg)[end] != ',' && (*msg)[end] != '\n' {
			end++
		}
		if end > start {
			fields = append(fields, String(pattern.field, (*msg)[start:end]))
		}
	}

	return fields
}
