package notification

import (
	"go.uber.org/fx"

	port "github.com/tigerroll/ferry/pkg/batch/core/application/port"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/ports"
)

// NewNotifier selects the webhook notifier when a URL is configured, the log notifier otherwise.
func NewNotifier(cfg *config.NotificationConfig) ports.Notifier {
	if cfg.WebhookURL == "" {
		return NewLogNotifier()
	}
	return NewWebhookNotifier(cfg, nil, nil)
}

// RunListenerResult adds the notification listener to the "run_listeners" group.
type RunListenerResult struct {
	fx.Out
	Listener port.RunListener `group:"run_listeners"`
}

// NewRunListener provides the notification listener to the engine.
func NewRunListener(cfg *config.NotificationConfig, notifier ports.Notifier) RunListenerResult {
	return RunListenerResult{Listener: NewNotificationListener(cfg, notifier)}
}

// Module provides notification-related components.
var Module = fx.Options(
	fx.Provide(
		NewNotifier,
		NewRunListener,
	),
)
