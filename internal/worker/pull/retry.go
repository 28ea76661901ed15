package pull

import "time"

const (
	// maxFetchFailures はフェッチを諦めるまでの失敗回数。
	maxFetchFailures = 9
	// fetchRetryPeriod はフェッチリトライの基準間隔。失敗ごとに倍化する。
	fetchRetryPeriod = 60 * time.Second
)

// nextFetchETA は失敗回数に応じた次回フェッチ時刻を返す。
func nextFetchETA(now time.Time, failures int) time.Time {
	return now.Add(fetchRetryDelay(failures))
}

// fetchRetryDelay は失敗回数に応じたリトライ遅延を返す。
func fetchRetryDelay(failures int) time.Duration {
	return fetchRetryPeriod * (1 << failures)
}
