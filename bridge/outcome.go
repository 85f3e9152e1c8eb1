package bridge

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome is the single terminal report of a session.
type Outcome struct {
	SessionID string
	Role      string
	Peer      string
	Target    string

	Class Class
	// Direction is where the terminal condition was first observed.
	Direction Direction
	Err       error

	// byte counts per direction
	Upstream   int64
	Downstream int64

	// ShutdownErr collects best-effort teardown failures. It never changes
	// Class.
	ShutdownErr error
	Duration    time.Duration
}

func (o Outcome) Success() bool {
	return o.Class == ClassNone && o.Err == nil
}

func (o Outcome) Fields() logrus.Fields {
	fields := logrus.Fields{
		"session":   o.SessionID,
		"class":     o.Class.String(),
		"direction": o.Direction.String(),
		"up":        o.Upstream,
		"down":      o.Downstream,
		"duration":  o.Duration.Round(time.Millisecond).String(),
	}
	if o.Role != "" {
		fields["role"] = o.Role
	}
	if o.Peer != "" {
		fields["peer"] = o.Peer
	}
	if o.Target != "" {
		fields["target"] = o.Target
	}
	return fields
}

// Reporter consumes outcomes. Implementations must be safe for concurrent use.
type Reporter interface {
	Report(Outcome)
}

type ReporterFunc func(Outcome)

func (f ReporterFunc) Report(o Outcome) { f(o) }

// MultiReporter fans an outcome out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(o Outcome) {
	for _, r := range m {
		if r != nil {
			r.Report(o)
		}
	}
}

// LogReporter writes every outcome as one log line.
type LogReporter struct {
	Logger logrus.FieldLogger
}

func NewLogReporter(logger logrus.FieldLogger) *LogReporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogReporter{Logger: logger}
}

func (r *LogReporter) Report(o Outcome) {
	entry := r.Logger.WithFields(o.Fields())
	if o.ShutdownErr != nil {
		entry = entry.WithField("shutdown_error", o.ShutdownErr.Error())
	}
	switch {
	case o.Success():
		entry.Info("session: end of life")
	case o.Class == ClassDial:
		entry.WithError(o.Err).Warn("session: failed to connect to endpoint")
	case o.Class == ClassInterrupted:
		entry.WithError(o.Err).Info("session: interrupted")
	default:
		entry.WithError(o.Err).Warn("session: occurred an error")
	}
}
