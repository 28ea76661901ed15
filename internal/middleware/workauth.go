package middleware

import (
	"log/slog"
	"net/http"
)

// NewWorkAuthMiddleware はワーカーエンドポイントを内部リクエストに限定する
// ミドルウェアを返す。タスクディスパッチャが付与するタスクヘッダー、または
// 周期トリガーのcronヘッダーを持つリクエストのみ許可する。
// 開発環境（devEnv）では制限しない。
func NewWorkAuthMiddleware(taskHeader, cronHeader string, devEnv bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !devEnv && r.Header.Get(taskHeader) == "" && r.Header.Get(cronHeader) == "" {
				slog.Warn("ワーカーエンドポイントへの外部アクセスを拒否しました",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
