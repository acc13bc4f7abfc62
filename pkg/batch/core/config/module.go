package config

import "go.uber.org/fx"

// NewLoggingConfigProvider extracts *LoggingConfig from *Config.
func NewLoggingConfigProvider(cfg *Config) *LoggingConfig {
	return &cfg.Ferry.System.Logging
}

// NewSchedulerConfigProvider extracts *SchedulerConfig from *Config.
func NewSchedulerConfigProvider(cfg *Config) *SchedulerConfig {
	return &cfg.Ferry.Scheduler
}

// NewBatchConfigProvider extracts *BatchConfig from *Config.
func NewBatchConfigProvider(cfg *Config) *BatchConfig {
	return &cfg.Ferry.Batch
}

// NewNotificationConfigProvider extracts *NotificationConfig from *Config.
func NewNotificationConfigProvider(cfg *Config) *NotificationConfig {
	return &cfg.Ferry.Notification
}

// Module provides configuration-related components to Fx.
// *Config itself is loaded by NewConfigProvider from the supplied EmbeddedConfig.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(NewOsEnvironmentExpander, fx.As(new(EnvironmentExpander))),
		NewConfigProvider,
		NewLoggingConfigProvider,
		NewSchedulerConfigProvider,
		NewBatchConfigProvider,
		NewNotificationConfigProvider,
	),
)
