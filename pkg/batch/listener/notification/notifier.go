package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/config"
	model "github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/ports"
	"github.com/tigerroll/ferry/pkg/batch/engine/retry"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// LogNotifier reports runs through the application log. The level follows the outcome so
// that log-based alerting can tell partial failures from total ones.
type LogNotifier struct{}

// NewLogNotifier creates a new instance of LogNotifier.
func NewLogNotifier() *LogNotifier {
	logger.Infof("Notification: reporting runs to the log.")
	return &LogNotifier{}
}

// NotifyRunCompletion implements ports.Notifier.
func (n *LogNotifier) NotifyRunCompletion(_ context.Context, r *model.RunReport) error {
	message := fmt.Sprintf(
		"Run Notification: Job '%s' (session %s) finished %s (%s). Duration: %s, Rows: %d processed, %d failed, Chunks failed: %d/%d",
		r.JobKey, r.SessionID, r.Status, r.RunStatus, r.Duration().Round(time.Millisecond),
		r.RowsProcessed, r.RowsFailed, r.ChunksFailed, r.ChunksTotal,
	)
	switch r.RunStatus {
	case model.RunFailed:
		logger.Errorf("%s: %s", message, r.Error)
	case model.RunPartial, model.RunStopped:
		logger.Warnf("%s", message)
	default:
		logger.Infof("%s", message)
	}
	return nil
}

var _ ports.Notifier = (*LogNotifier)(nil)

// WebhookNotifier POSTs each report as JSON. Network errors, 429 and 5xx responses are
// retried with exponential backoff; other 4xx responses are not.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
	retry   *retry.Handler
}

// NewWebhookNotifier creates a WebhookNotifier. A nil client means http.DefaultClient and a
// nil sleeper means retry.ContextSleep.
func NewWebhookNotifier(cfg *config.NotificationConfig, client *http.Client, sleep retry.Sleeper) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	policy := &retry.ExponentialPolicy{
		Enabled:         true,
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Factor:          2,
	}
	logger.Infof("Notification: reporting runs to webhook %s.", cfg.WebhookURL)
	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		timeout: cfg.Timeout(),
		client:  client,
		retry:   retry.NewHandler(policy, sleep),
	}
}

// NotifyRunCompletion implements ports.Notifier.
func (n *WebhookNotifier) NotifyRunCompletion(ctx context.Context, report *model.RunReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return exception.Permanent("WebhookNotifier", err)
	}
	_, err = n.retry.Do(ctx, func(ctx context.Context, _ int) error {
		return n.post(ctx, body)
	})
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return exception.Permanent("WebhookNotifier", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return exception.Transient("WebhookNotifier", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return exception.NewBatchErrorf("WebhookNotifier", exception.KindTransient, "webhook answered %s", resp.Status)
	default:
		return exception.NewBatchErrorf("WebhookNotifier", exception.KindPermanent, "webhook answered %s", resp.Status)
	}
}

var _ ports.Notifier = (*WebhookNotifier)(nil)
