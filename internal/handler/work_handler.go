package handler

import (
	"context"
	"net/http"
)

// ConfirmWorkerInterface は購読検証タスクの実行インターフェース。
type ConfirmWorkerInterface interface {
	ConfirmWork(ctx context.Context, keyName string) error
}

// PullWorkerInterface はフィードフェッチタスクの実行インターフェース。
type PullWorkerInterface interface {
	PullFeed(ctx context.Context, topic string) error
}

// PushWorkerInterface はイベント配信タスクの実行インターフェース。
type PushWorkerInterface interface {
	DeliverEvent(ctx context.Context, eventID string) error
}

// BootstrapWorkerInterface はブートストラップポーリングの実行インターフェース。
type BootstrapWorkerInterface interface {
	Trigger(ctx context.Context) error
	Continue(ctx context.Context, sequence, currentKey string) error
}

// CleanupWorkerInterface はイベントクリーンアップの実行インターフェース。
type CleanupWorkerInterface interface {
	Run(ctx context.Context) error
}

// WorkHandler はタスクディスパッチャから呼ばれる内部エンドポイントのハンドラー。
// 非2xx応答を返すとタスクはリース満了後に再実行される。
type WorkHandler struct {
	confirm   ConfirmWorkerInterface
	puller    PullWorkerInterface
	pusher    PushWorkerInterface
	bootstrap BootstrapWorkerInterface
	cleanup   CleanupWorkerInterface
}

// NewWorkHandler はWorkHandlerを生成する。
func NewWorkHandler(confirm ConfirmWorkerInterface, puller PullWorkerInterface, pusher PushWorkerInterface, bootstrap BootstrapWorkerInterface, cleanup CleanupWorkerInterface) *WorkHandler {
	return &WorkHandler{
		confirm:   confirm,
		puller:    puller,
		pusher:    pusher,
		bootstrap: bootstrap,
		cleanup:   cleanup,
	}
}

// Subscriptions は購読検証タスクを実行する。
// POST /work/subscriptions
func (h *WorkHandler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	keyName := r.PostFormValue("subscription_key_name")
	if keyName == "" {
		writeHubError(w, http.StatusBadRequest, "subscription_key_name is required")
		return
	}
	if err := h.confirm.ConfirmWork(r.Context(), keyName); err != nil {
		writeHubError(w, http.StatusInternalServerError, "confirm work failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PullFeeds はフィードフェッチタスクを実行する。
// POST /work/pull_feeds
func (h *WorkHandler) PullFeeds(w http.ResponseWriter, r *http.Request) {
	topic := r.PostFormValue("topic")
	if topic == "" {
		writeHubError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if err := h.puller.PullFeed(r.Context(), topic); err != nil {
		writeHubError(w, http.StatusInternalServerError, "pull feed failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PushEvents はイベント配信タスクを実行する。
// POST /work/push_events
func (h *WorkHandler) PushEvents(w http.ResponseWriter, r *http.Request) {
	eventID := r.PostFormValue("event_key")
	if eventID == "" {
		writeHubError(w, http.StatusBadRequest, "event_key is required")
		return
	}
	if err := h.pusher.DeliverEvent(r.Context(), eventID); err != nil {
		writeHubError(w, http.StatusInternalServerError, "deliver event failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PollBootstrap はブートストラップポーリングを進める。
// GET /work/poll_bootstrap は周期トリガー（周回の開始判定）、
// POST /work/poll_bootstrap はタスク連鎖からの走査継続。
func (h *WorkHandler) PollBootstrap(w http.ResponseWriter, r *http.Request) {
	var err error
	if sequence := r.PostFormValue("sequence"); sequence != "" {
		err = h.bootstrap.Continue(r.Context(), sequence, r.PostFormValue("current_key"))
	} else {
		err = h.bootstrap.Trigger(r.Context())
	}
	if err != nil {
		writeHubError(w, http.StatusInternalServerError, "poll bootstrap failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// EventCleanup は完全失敗イベントの回収を実行する。
// POST /work/event_cleanup
func (h *WorkHandler) EventCleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.cleanup.Run(r.Context()); err != nil {
		writeHubError(w, http.StatusInternalServerError, "event cleanup failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
