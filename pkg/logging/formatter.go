package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// headerFields are rendered in the line header by TextFormatter and left out
// of the trailing key=value list.
var headerFields = []string{"request_id", "component", "transport", "message_id", "data_type"}

// TextFormatter renders one line per entry:
//
//	2024-05-01 10:00:00.000 [WARN] [req-1] dispatcher[broker] <m-1 detection>: Send failed | error=...
//
// The envelope tag appears whenever the entry carries a message_id, so every
// line about one envelope can be found with a single grep.
type TextFormatter struct {
	// TimeLayout is the timestamp layout; empty omits the timestamp.
	TimeLayout string
	// Color wraps the level in ANSI colors.
	Color bool
}

// NewTextFormatter returns an uncolored formatter with millisecond timestamps.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{TimeLayout: "2006-01-02 15:04:05.000"}
}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	if f.TimeLayout != "" {
		buf.WriteString(entry.Timestamp.Format(f.TimeLayout))
		buf.WriteByte(' ')
	}
	f.writeLevel(&buf, entry.Level)

	if entry.RequestID != "" {
		fmt.Fprintf(&buf, "[%s] ", entry.RequestID)
	}
	if entry.Component != "" {
		buf.WriteString(entry.Component)
		if entry.Transport != "" {
			fmt.Fprintf(&buf, "[%s]", entry.Transport)
		}
	}
	if entry.MessageID != "" {
		if entry.Component != "" {
			buf.WriteByte(' ')
		}
		buf.WriteByte('<')
		buf.WriteString(entry.MessageID)
		if entry.DataType != "" {
			buf.WriteByte(' ')
			buf.WriteString(entry.DataType)
		}
		buf.WriteByte('>')
	}
	if entry.Component != "" || entry.MessageID != "" {
		buf.WriteString(": ")
	}

	buf.WriteString(entry.Message)

	if pairs := textPairs(entry); len(pairs) > 0 {
		buf.WriteString(" | ")
		buf.WriteString(strings.Join(pairs, " "))
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (f *TextFormatter) writeLevel(buf *bytes.Buffer, level Level) {
	text := "[" + level.String() + "]"
	if f.Color {
		if code, ok := levelColors[level]; ok {
			text = code + text + "\033[0m"
		}
	}
	buf.WriteString(text)
	buf.WriteByte(' ')
}

var levelColors = map[Level]string{
	DebugLevel: "\033[90m",
	InfoLevel:  "\033[34m",
	WarnLevel:  "\033[33m",
	ErrorLevel: "\033[31m",
	FatalLevel: "\033[31m",
}

// textPairs returns the sorted key=value pairs not already in the header.
// transport stays in the list when there is no component to hang it on.
func textPairs(entry *Entry) []string {
	inHeader := func(k string) bool {
		switch k {
		case "transport":
			return entry.Component != ""
		case "data_type":
			return entry.MessageID != ""
		}
		for _, h := range headerFields {
			if h == k {
				return true
			}
		}
		return false
	}

	pairs := make([]string, 0, len(entry.Fields))
	for k, v := range entry.Fields {
		if inHeader(k) {
			continue
		}
		pairs = append(pairs, k+"="+textValue(v))
	}
	sort.Strings(pairs)
	return pairs
}

func textValue(v interface{}) string {
	switch val := v.(type) {
	case error:
		return val.Error()
	case string:
		if strings.ContainsAny(val, " \t\n") {
			return strconv.Quote(val)
		}
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// JSONFormatter renders one JSON object per line with timestamp, level and
// message next to the entry's fields.
type JSONFormatter struct {
	// TimeLayout is the timestamp layout; empty omits the timestamp.
	TimeLayout string
}

// NewJSONFormatter returns a formatter with RFC 3339 millisecond timestamps.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{TimeLayout: "2006-01-02T15:04:05.000Z07:00"}
}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		data[k] = v
	}
	data["level"] = entry.Level.String()
	data["message"] = entry.Message
	if f.TimeLayout != "" {
		data["timestamp"] = entry.Timestamp.Format(f.TimeLayout)
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return append(out, '\n'), nil
}
