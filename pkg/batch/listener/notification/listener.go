package notification

import (
	"context"
	"strings"

	port "github.com/tigerroll/ferry/pkg/batch/core/application/port"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	model "github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/ports"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// NotificationListener forwards the reports of the configured run outcomes to a Notifier.
type NotificationListener struct {
	notifier ports.Notifier
	notifyOn map[model.RunStatus]bool
}

// NewNotificationListener creates a NotificationListener. A disabled configuration reports
// nothing.
func NewNotificationListener(cfg *config.NotificationConfig, notifier ports.Notifier) *NotificationListener {
	notifyOn := make(map[model.RunStatus]bool, len(cfg.NotifyOn))
	if cfg.Enabled {
		for _, outcome := range cfg.NotifyOn {
			notifyOn[model.RunStatus(strings.ToUpper(outcome))] = true
		}
	}
	return &NotificationListener{notifier: notifier, notifyOn: notifyOn}
}

// BeforeRun implements port.RunListener.
func (l *NotificationListener) BeforeRun(_ context.Context, def *model.JobDefinition, sessionID string) {
	logger.Debugf("NotificationListener: '%s' session %s started.", def.JobKey, sessionID)
}

// AfterRun implements port.RunListener. Notifier failures are logged and otherwise ignored.
func (l *NotificationListener) AfterRun(ctx context.Context, report *model.RunReport) {
	if !l.notifyOn[report.RunStatus] {
		return
	}
	if err := l.notifier.NotifyRunCompletion(ctx, report); err != nil {
		logger.Errorf("NotificationListener: failed to report '%s' session %s: %v", report.JobKey, report.SessionID, err)
	}
}

var _ port.RunListener = (*NotificationListener)(nil)
