package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
	"github.com/JakeFAU/linkedin-signals/internal/storage/memory"
)

type recordingMessenger struct {
	mu    sync.Mutex
	sent  map[int64][]string
	fails map[int64]bool
}

func (m *recordingMessenger) SendHTML(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails[chatID] {
		return errors.New("chat not found")
	}
	if m.sent == nil {
		m.sent = make(map[int64][]string)
	}
	m.sent[chatID] = append(m.sent[chatID], text)
	return nil
}

func TestAdminsFallsBackToDirectory(t *testing.T) {
	t.Parallel()

	dir := memory.NewDirectory()
	dir.PutRecipient(pipeline.Recipient{ID: 1, TelegramChatID: 100, IsAdmin: true})
	dir.PutRecipient(pipeline.Recipient{ID: 2, TelegramChatID: 200})
	msgr := &recordingMessenger{}

	sent := New(msgr, dir, nil).Admins(context.Background(), nil, "hello")
	require.Equal(t, 1, sent)
	require.Equal(t, []string{"hello"}, msgr.sent[100])
	require.Empty(t, msgr.sent[200])
}

func TestAdminsLogsFailuresAndContinues(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	msgr := &recordingMessenger{fails: map[int64]bool{1: true}}

	sent := New(msgr, nil, zap.New(core)).Admins(context.Background(), []int64{1, 2}, "x")
	require.Equal(t, 1, sent)
	require.Equal(t, 1, logs.FilterMessage("admin notification failed").Len())
}

func TestAdminsAsyncSurvivesCancellation(t *testing.T) {
	t.Parallel()

	msgr := &recordingMessenger{}
	n := New(msgr, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n.AdminsAsync(ctx, []int64{7}, "late")
	n.Wait()
	require.Equal(t, []string{"late"}, msgr.sent[7])
}

func TestMessagesEscapeHTML(t *testing.T) {
	t.Parallel()

	got := PipelineFailed(pipeline.StatusVectorizing, "index <b> down", 3, 3)
	require.Equal(t, "⚠️ Pipeline Failed\n\nStatus: vectorizing\nError: index &lt;b&gt; down\nRetries: 3/3", got)
	require.Equal(t, "⚠️ Pipeline Start Failed\n\nError: a &amp; b", StartFailed("a & b"))
}
