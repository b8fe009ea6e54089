// Package notify sends best-effort alerts to pipeline admins.
package notify

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

const asyncTimeout = 30 * time.Second

// Notifier delivers admin alerts. Delivery failures are logged, never returned.
type Notifier struct {
	messenger  pipeline.Messenger
	recipients pipeline.RecipientStore
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// New builds a Notifier. recipients supplies admins when a caller has no chat ids of its own.
func New(messenger pipeline.Messenger, recipients pipeline.RecipientStore, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{messenger: messenger, recipients: recipients, logger: logger}
}

// Admins sends text to chatIDs, or to the directory admins when chatIDs is
// empty, and returns how many chats accepted it.
func (n *Notifier) Admins(ctx context.Context, chatIDs []int64, text string) int {
	if n == nil || n.messenger == nil {
		return 0
	}
	if len(chatIDs) == 0 && n.recipients != nil {
		ids, err := n.recipients.AdminChatIDs(ctx)
		if err != nil {
			n.logger.Warn("load admin chat ids failed", zap.Error(err))
			return 0
		}
		chatIDs = ids
	}
	sent := 0
	for _, chatID := range chatIDs {
		if err := n.messenger.SendHTML(ctx, chatID, text); err != nil {
			n.logger.Warn("admin notification failed", zap.Int64("chat_id", chatID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// AdminsAsync sends in the background. The send outlives ctx cancellation but
// is bounded by its own timeout.
func (n *Notifier) AdminsAsync(ctx context.Context, chatIDs []int64, text string) {
	if n == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, asyncTimeout)
		defer cancel()
		n.Admins(ctx, chatIDs, text)
	}()
}

// Wait blocks until background sends finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

// PipelineFailed renders the alert sent when a job exhausts its retries.
func PipelineFailed(status pipeline.Status, message string, retries, maxRetries int) string {
	return fmt.Sprintf("⚠️ Pipeline Failed\n\nStatus: %s\nError: %s\nRetries: %d/%d",
		html.EscapeString(string(status)), html.EscapeString(message), retries, maxRetries)
}

// StartFailed renders the alert sent when a scrape cannot be launched.
func StartFailed(message string) string {
	return "⚠️ Pipeline Start Failed\n\nError: " + html.EscapeString(message)
}
