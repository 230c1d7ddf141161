package chatsesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// User-facing messages. Each terminal authorization outcome and each inactivity timeout
// produces exactly one of them.
const (
	MessageAuthorized     = "✅ Authorization completed successfully!"
	MessagePollTimeout    = "⏱️ Time out waiting for authorization.\nAuthorization was not completed. Session closed.\nFor a new attempt to authorize, use the command /start."
	MessageCodeExpired    = "⌛ The authorization code has expired.\nAuthorization was not completed. Session closed.\nFor a new attempt to authorize, use the command /start."
	MessageSessionTimeout = "⏱️ Your session has been disconnected due to inactivity.\nFor a new authorization, use the /start command."

	messageAuthorizationError = "❌ Error during authorization: %v.\nAuthorization was not completed. Session closed.\nFor a new attempt to authorize, use the command /start."
)

// MessageAuthorizationError is the message sent when authorization fails with err.
func MessageAuthorizationError(err error) string {
	return fmt.Sprintf(messageAuthorizationError, err)
}

// Notifier delivers a text message to a chat user.
type Notifier interface {
	Notify(ctx context.Context, user UserID, text string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, user UserID, text string) error

func (f NotifierFunc) Notify(ctx context.Context, user UserID, text string) error {
	return f(ctx, user, text)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, UserID, string) error { return nil }

// WebhookNotifier posts messages as JSON to an HTTP endpoint that relays them to the chat.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{URL: url, Client: client}
}

type webhookMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func (w *WebhookNotifier) Notify(ctx context.Context, user UserID, text string) error {
	body, err := json.Marshal(webhookMessage{ChatID: int64(user), Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook response not ok: %s", resp.Status)
	}
	return nil
}

// notifier wraps the configured Notifier with one delayed retry and history logging.
// Delivery failures never propagate past it except as a returned error for callers that care.
type notifier struct {
	next       Notifier
	history    HistoryStorer
	retryDelay time.Duration
	metrics    *Metrics
	logger     *slog.Logger
}

func newNotifier(cfg *Config) *notifier {
	return &notifier{
		next:       cfg.Notifier,
		history:    cfg.History,
		retryDelay: cfg.NotifyRetryDelay,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// deliver sends text to user, retrying once after retryDelay, then appends it to the
// message history. The chat id of a private conversation is the user id.
func (n *notifier) deliver(ctx context.Context, user UserID, text string) error {
	err := n.next.Notify(ctx, user, text)
	if err != nil {
		n.logger.Warn("send message, retrying", "user_id", user, "error", err)
		timer := time.NewTimer(n.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = errors.Join(err, ctx.Err())
		case <-timer.C:
			err = n.next.Notify(ctx, user, text)
		}
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNotifyFailed, err)
		n.metrics.observeNotifyFailure()
		n.logger.Error("failed to notify user", "user_id", user, "error", err)
	}

	n.record(ctx, user, text)
	return err
}

func (n *notifier) record(ctx context.Context, user UserID, text string) {
	if n.history == nil {
		return
	}
	err := n.history.LogMessage(ctx, int64(user), text, false)
	switch {
	case errors.Is(err, ErrChatNotFound):
		n.logger.Debug("no chat record for message history", "user_id", user)
	case err != nil:
		n.logger.Error("log message history", "user_id", user, "error", err)
	}
}

func (n *notifier) timeoutNotice(ctx context.Context, user UserID) {
	_ = n.deliver(ctx, user, MessageSessionTimeout)
}
