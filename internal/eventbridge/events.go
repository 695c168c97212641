package eventbridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/sleuth/internal/logbook"
	"github.com/kingrea/sleuth/resolution"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "1.0.0"

// MaxMessageLength bounds the text of a single message.
const MaxMessageLength = 4096

// Message is a status or progress note posted by a running plugin.
type Message struct {
	resolution.Message
	ServerTime time.Time `json:"server_time"`
}

// Normalize applies defaults and canonical formatting before validation.
func (m *Message) Normalize() {
	if m == nil {
		return
	}
	m.Module = strings.TrimSpace(m.Module)
	m.Unit = strings.TrimSpace(m.Unit)
	m.Severity = strings.ToLower(strings.TrimSpace(m.Severity))
	if m.Severity == "" {
		m.Severity = resolution.SeverityInfo
	}
	m.Message.Message = strings.TrimSpace(m.Message.Message)
}

// StampServerTime overwrites ServerTime with the supplied clock reading (UTC).
func (m *Message) StampServerTime(now time.Time) {
	if m == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	m.ServerTime = now.UTC()
}

// Validate enforces baseline requirements for incoming messages.
func (m Message) Validate() error {
	if m.Message.Message == "" {
		return errors.New("message is required")
	}
	if len(m.Message.Message) > MaxMessageLength {
		return fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	}
	if _, ok := logbook.ParseLevel(m.Severity); !ok {
		return fmt.Errorf("severity %q is not one of info, warning, error, critical", m.Severity)
	}
	return nil
}

// Source names where the message came from for display.
func (m Message) Source() string {
	switch {
	case m.Module != "" && m.Unit != "":
		return m.Module + "/" + m.Unit
	case m.Module != "":
		return m.Module
	case m.Unit != "":
		return m.Unit
	default:
		return "plugin"
	}
}

// MessageProcessor consumes validated messages.
type MessageProcessor interface {
	HandleMessage(Message) error
}

// MessageProcessorFunc adapts a function into a MessageProcessor.
type MessageProcessorFunc func(Message) error

// HandleMessage executes f(m).
func (f MessageProcessorFunc) HandleMessage(m Message) error {
	if f == nil {
		return nil
	}
	return f(m)
}

// LogbookProcessor records messages in the user-facing logbook.
func LogbookProcessor(sink logbook.Sink) MessageProcessor {
	return MessageProcessorFunc(func(m Message) error {
		if sink == nil {
			return errors.New("eventbridge: no logbook")
		}
		level, _ := logbook.ParseLevel(m.Severity)
		sink.Record(logbook.Entry{
			Time:    m.ServerTime,
			Level:   level,
			Source:  m.Source(),
			Message: m.Message.Message,
			Popup:   m.Popup,
		})
		return nil
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Received      int64  `json:"messages_received"`
}

type messageResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}
