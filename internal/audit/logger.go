package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	ActionLogin          = "login"
	ActionRefresh        = "refresh"
	ActionLogout         = "logout"
	ActionRevokeAll      = "revoke_all"
	ActionRegisterAdmin  = "register_admin"
	ActionRegister       = "register_teacher"
	ActionPasswordChange = "password_change"
	ActionUserUpdate     = "user_update"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Event struct {
	At      time.Time
	Actor   string
	Action  string
	Target  string
	Outcome string
	Detail  string
	IP      string
}

// Logger writes audit events as structured log entries tagged audit=true so
// they can be routed separately from operational logs.
type Logger struct {
	log logrus.FieldLogger
	now func() time.Time
}

func NewLogger(log logrus.FieldLogger) *Logger {
	return &Logger{log: log, now: time.Now}
}

func (l *Logger) Record(_ context.Context, e Event) {
	if l == nil || l.log == nil {
		return
	}
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}
	fields := logrus.Fields{
		"audit":   true,
		"at":      e.At.Format(time.RFC3339),
		"action":  e.Action,
		"outcome": e.Outcome,
	}
	if e.Actor != "" {
		fields["actor"] = e.Actor
	}
	if e.Target != "" {
		fields["target"] = e.Target
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}
	if e.IP != "" {
		fields["ip"] = e.IP
	}
	entry := l.log.WithFields(fields)
	if e.Outcome == OutcomeFailure {
		entry.Warn("audit event")
		return
	}
	entry.Info("audit event")
}
