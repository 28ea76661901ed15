package poll

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/janaya/pubsubhubbub/internal/model"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
)

// mockPollingRepo はPollingRepositoryのテスト用モック。
type mockPollingRepo struct {
	getMarkerFn func(ctx context.Context, now time.Time) (*model.PollingMarker, error)
	putMarkerFn func(ctx context.Context, m *model.PollingMarker) error
}

func (m *mockPollingRepo) GetMarker(ctx context.Context, now time.Time) (*model.PollingMarker, error) {
	if m.getMarkerFn != nil {
		return m.getMarkerFn(ctx, now)
	}
	return &model.PollingMarker{NextStart: now.Add(-60 * time.Second)}, nil
}

func (m *mockPollingRepo) PutMarker(ctx context.Context, marker *model.PollingMarker) error {
	if m.putMarkerFn != nil {
		return m.putMarkerFn(ctx, marker)
	}
	return nil
}

// mockKnownRepo はKnownFeedRepositoryのテスト用モック。
type mockKnownRepo struct {
	listAfterKeyFn func(ctx context.Context, afterKey string, limit int) ([]*model.KnownFeed, error)
}

func (m *mockKnownRepo) Put(ctx context.Context, topic string) error { return nil }

func (m *mockKnownRepo) CheckExists(ctx context.Context, topics []string) ([]string, error) {
	return nil, nil
}

func (m *mockKnownRepo) ListAfterKey(ctx context.Context, afterKey string, limit int) ([]*model.KnownFeed, error) {
	if m.listAfterKeyFn != nil {
		return m.listAfterKeyFn(ctx, afterKey, limit)
	}
	return nil, nil
}

// mockFeedToFetchRepo はFeedToFetchRepositoryのテスト用モック。
type mockFeedToFetchRepo struct {
	insertAllFn func(ctx context.Context, topics []string, now time.Time) ([]*model.FeedToFetch, error)
}

func (m *mockFeedToFetchRepo) GetByTopic(ctx context.Context, topic string) (*model.FeedToFetch, error) {
	return nil, nil
}

func (m *mockFeedToFetchRepo) InsertAll(ctx context.Context, topics []string, now time.Time) ([]*model.FeedToFetch, error) {
	if m.insertAllFn != nil {
		return m.insertAllFn(ctx, topics, now)
	}
	return nil, nil
}

func (m *mockFeedToFetchRepo) Update(ctx context.Context, f *model.FeedToFetch) error { return nil }

func (m *mockFeedToFetchRepo) Done(ctx context.Context, f *model.FeedToFetch) (bool, error) {
	return true, nil
}

func (m *mockFeedToFetchRepo) DoneDeleteKnownFeed(ctx context.Context, f *model.FeedToFetch) (bool, error) {
	return true, nil
}

// mockQueue はtaskqueue.Queueのテスト用モック。登録されたタスクを記録する。
type mockQueue struct {
	addFn func(ctx context.Context, queue, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error)
}

func (m *mockQueue) Add(ctx context.Context, queue, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
	if m.addFn != nil {
		return m.addFn(ctx, queue, path, params, opts)
	}
	return true, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestBootstrap(polling *mockPollingRepo, known *mockKnownRepo, feeds *mockFeedToFetchRepo, queue *mockQueue) *Bootstrap {
	b := NewBootstrap(polling, known, feeds, queue, newTestLogger(&bytes.Buffer{}))
	b.now = func() time.Time { return time.Date(2026, 8, 9, 10, 11, 12, 0, time.UTC) }
	return b
}

// TestBootstrap_Trigger_StartsCycle は周期到来時に周回の先頭タスクが
// 開始時刻由来の名前で積まれることを検証する。
func TestBootstrap_Trigger_StartsCycle(t *testing.T) {
	var putMarker *model.PollingMarker
	polling := &mockPollingRepo{
		putMarkerFn: func(ctx context.Context, m *model.PollingMarker) error {
			putMarker = m
			return nil
		},
	}
	var gotQueue, gotName, gotSequence string
	queue := &mockQueue{
		addFn: func(ctx context.Context, q, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
			gotQueue = q
			gotName = opts.Name
			gotSequence = params.Get("sequence")
			return true, nil
		},
	}

	b := newTestBootstrap(polling, &mockKnownRepo{}, &mockFeedToFetchRepo{}, queue)
	now := b.now()
	if err := b.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if putMarker == nil {
		t.Fatal("marker should have been persisted")
	}
	if !putMarker.NextStart.Equal(now.Add(bootstrapPeriod)) {
		t.Errorf("NextStart = %v, want %v", putMarker.NextStart, now.Add(bootstrapPeriod))
	}
	if gotQueue != taskqueue.QueuePolling {
		t.Errorf("queue = %q, want %q", gotQueue, taskqueue.QueuePolling)
	}
	// シーケンスは前回のnext_start（今回の開始時刻）のUNIX秒
	wantSequence := strconv.FormatInt(now.Add(-60*time.Second).Unix(), 10)
	if gotSequence != wantSequence {
		t.Errorf("sequence = %q, want %q", gotSequence, wantSequence)
	}
	if gotName != wantSequence {
		t.Errorf("task name = %q, want %q", gotName, wantSequence)
	}
}

// TestBootstrap_Trigger_EnqueueFailureKeepsMarker はタスク登録に失敗した
// 場合にマーカーが進まず、次回のTriggerで周回をやり直せることを検証する。
func TestBootstrap_Trigger_EnqueueFailureKeepsMarker(t *testing.T) {
	polling := &mockPollingRepo{
		putMarkerFn: func(ctx context.Context, m *model.PollingMarker) error {
			t.Error("marker should not be persisted when the enqueue fails")
			return nil
		},
	}
	queue := &mockQueue{
		addFn: func(ctx context.Context, q, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
			return false, fmt.Errorf("task insert failed")
		},
	}

	b := newTestBootstrap(polling, &mockKnownRepo{}, &mockFeedToFetchRepo{}, queue)
	if err := b.Trigger(context.Background()); err == nil {
		t.Fatal("Trigger should surface the enqueue error")
	}
}

// TestBootstrap_Trigger_NotDue は周期未到来時に何もしないことを検証する。
func TestBootstrap_Trigger_NotDue(t *testing.T) {
	polling := &mockPollingRepo{
		getMarkerFn: func(ctx context.Context, now time.Time) (*model.PollingMarker, error) {
			return &model.PollingMarker{NextStart: now.Add(time.Hour)}, nil
		},
		putMarkerFn: func(ctx context.Context, m *model.PollingMarker) error {
			t.Error("marker should not be persisted before the period elapses")
			return nil
		},
	}
	queue := &mockQueue{
		addFn: func(ctx context.Context, q, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
			t.Error("no task should be enqueued before the period elapses")
			return false, nil
		},
	}

	b := newTestBootstrap(polling, &mockKnownRepo{}, &mockFeedToFetchRepo{}, queue)
	if err := b.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
}

// TestBootstrap_Continue_ChainsNextTask は満杯チャンク走査後に続きの
// 名前付きタスクが連鎖することを検証する。
func TestBootstrap_Continue_ChainsNextTask(t *testing.T) {
	feeds := make([]*model.KnownFeed, bootstrapChunkSize)
	for i := range feeds {
		feeds[i] = model.NewKnownFeed(fmt.Sprintf("http://example.com/feed%03d", i))
	}
	known := &mockKnownRepo{
		listAfterKeyFn: func(ctx context.Context, afterKey string, limit int) ([]*model.KnownFeed, error) {
			if limit != bootstrapChunkSize {
				t.Errorf("limit = %d, want %d", limit, bootstrapChunkSize)
			}
			return feeds, nil
		},
	}
	var insertedTopics []string
	feedRepo := &mockFeedToFetchRepo{
		insertAllFn: func(ctx context.Context, topics []string, now time.Time) ([]*model.FeedToFetch, error) {
			insertedTopics = topics
			return nil, nil
		},
	}
	var pullTasks int
	var chainName, chainKey string
	queue := &mockQueue{
		addFn: func(ctx context.Context, q, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
			switch q {
			case taskqueue.QueueFeedPulls:
				pullTasks++
			case taskqueue.QueuePolling:
				chainName = opts.Name
				chainKey = params.Get("current_key")
			}
			return true, nil
		},
	}

	b := newTestBootstrap(&mockPollingRepo{}, known, feedRepo, queue)
	if err := b.Continue(context.Background(), "12345", ""); err != nil {
		t.Fatalf("Continue returned error: %v", err)
	}
	if len(insertedTopics) != bootstrapChunkSize {
		t.Errorf("inserted topics = %d, want %d", len(insertedTopics), bootstrapChunkSize)
	}
	if pullTasks != bootstrapChunkSize {
		t.Errorf("pull tasks = %d, want %d", pullTasks, bootstrapChunkSize)
	}
	lastKey := feeds[len(feeds)-1].KeyName
	wantName := fmt.Sprintf("12345-%s", model.Sha1Hash(lastKey))
	if chainName != wantName {
		t.Errorf("chain task name = %q, want %q", chainName, wantName)
	}
	if chainKey != lastKey {
		t.Errorf("current_key = %q, want %q", chainKey, lastKey)
	}
}

// TestBootstrap_Continue_ChainsOnShortChunk はチャンクが満杯でなくても
// 空でなければ連鎖が続くことを検証する。走査中に追加された既知フィードを
// 取りこぼさないための振る舞い。
func TestBootstrap_Continue_ChainsOnShortChunk(t *testing.T) {
	feed := model.NewKnownFeed("http://example.com/feed")
	known := &mockKnownRepo{
		listAfterKeyFn: func(ctx context.Context, afterKey string, limit int) ([]*model.KnownFeed, error) {
			return []*model.KnownFeed{feed}, nil
		},
	}
	var chainKey string
	var pollingTasks int
	queue := &mockQueue{
		addFn: func(ctx context.Context, q, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
			if q == taskqueue.QueuePolling {
				pollingTasks++
				chainKey = params.Get("current_key")
			}
			return true, nil
		},
	}

	b := newTestBootstrap(&mockPollingRepo{}, known, &mockFeedToFetchRepo{}, queue)
	if err := b.Continue(context.Background(), "12345", ""); err != nil {
		t.Fatalf("Continue returned error: %v", err)
	}
	if pollingTasks != 1 {
		t.Fatalf("chain tasks = %d, want 1", pollingTasks)
	}
	if chainKey != feed.KeyName {
		t.Errorf("current_key = %q, want %q", chainKey, feed.KeyName)
	}
}

// TestBootstrap_Continue_EmptyList は走査対象が無い場合に何もしないことを検証する。
func TestBootstrap_Continue_EmptyList(t *testing.T) {
	feedRepo := &mockFeedToFetchRepo{
		insertAllFn: func(ctx context.Context, topics []string, now time.Time) ([]*model.FeedToFetch, error) {
			t.Error("InsertAll should not be called for an empty list")
			return nil, nil
		},
	}
	b := newTestBootstrap(&mockPollingRepo{}, &mockKnownRepo{}, feedRepo, &mockQueue{})
	if err := b.Continue(context.Background(), "12345", "hash_zzz"); err != nil {
		t.Fatalf("Continue returned error: %v", err)
	}
}
