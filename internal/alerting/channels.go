package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qtune/internal/connector/sla"
	"qtune/internal/logger"
)

// AlertLevel represents alert level
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 投递给外部通道的告警，由 SLA 事件转换而来
type Alert struct {
	Level     AlertLevel `json:"level"`
	Title     string     `json:"title"`
	Source    string     `json:"source"`
	Key       string     `json:"key"`
	Timestamp time.Time  `json:"timestamp"`
	Event     sla.Event  `json:"event"`
}

// FromEvent converts an SLA event into an alert
func FromEvent(e sla.Event) Alert {
	level := AlertLevelWarning
	switch {
	case e.Type == sla.EventRecovered:
		level = AlertLevelInfo
	case e.Severity == sla.SeverityCritical || e.EscalationLevel > 0:
		level = AlertLevelCritical
	}
	return Alert{
		Level:     level,
		Title:     fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(level)), e.ConnectorName, e.Type),
		Source:    "connector_sla",
		Key:       e.Key(),
		Timestamp: e.OccurredAt,
		Event:     e,
	}
}

// LogSink 将事件写入结构化日志
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a log sink
func NewLogSink(log logger.Logger) *LogSink {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &LogSink{log: log}
}

// Publish logs every event
func (s *LogSink) Publish(ctx context.Context, events []sla.Event) error {
	for _, e := range events {
		a := FromEvent(e)
		fields := []interface{}{
			"connector", e.ConnectorName, "breach_type", e.BreachType, "event_type", e.Type,
			"severity", e.Severity, "stage", e.Stage, "escalation_level", e.EscalationLevel,
			"repeat_count", e.RepeatCount, "runbook_url", e.RunbookURL,
		}
		if a.Level == AlertLevelCritical {
			s.log.Error(a.Title+": "+e.Message, fields...)
		} else {
			s.log.Info(a.Title+": "+e.Message, fields...)
		}
	}
	return nil
}

// MultiSink 扇出到多个下游，单个失败不影响其他下游
type MultiSink struct {
	sinks []sla.Sink
	log   logger.Logger
}

// NewMultiSink creates a fan-out sink; nil entries are dropped.
func NewMultiSink(log logger.Logger, sinks ...sla.Sink) *MultiSink {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	m := &MultiSink{log: log}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add appends a sink
func (m *MultiSink) Add(s sla.Sink) {
	if s != nil {
		m.sinks = append(m.sinks, s)
	}
}

// Len returns the number of downstream sinks
func (m *MultiSink) Len() int { return len(m.sinks) }

// Publish delivers events to every sink and joins their errors
func (m *MultiSink) Publish(ctx context.Context, events []sla.Event) error {
	if len(events) == 0 {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, events); err != nil {
			m.log.Warn("Alert sink failed", "sink", fmt.Sprintf("%T", s), "events", len(events), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
