package sitetosite

import "github.com/zrepl/sitetosite/logger"

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// EventReporter receives operational notices such as peer penalization.
// Implementations must be safe for concurrent use and must not block.
type EventReporter interface {
	ReportEvent(severity Severity, message string)
}

type EventReporterFunc func(severity Severity, message string)

func (f EventReporterFunc) ReportEvent(severity Severity, message string) { f(severity, message) }

// LoggerEventReporter logs events. It is used if no EventReporter is configured.
type LoggerEventReporter struct {
	Logger logger.Logger
}

func (r LoggerEventReporter) ReportEvent(severity Severity, message string) {
	log := r.Logger.WithField("event", true)
	switch severity {
	case SeverityInfo:
		log.Info(message)
	case SeverityWarning:
		log.Warn(message)
	default:
		log.Error(message)
	}
}
