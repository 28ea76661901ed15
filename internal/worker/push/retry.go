package push

import "time"

const (
	// maxDeliveryFailures は配信パスを諦めるまでのリトライ回数。
	maxDeliveryFailures = 8
	// deliveryRetryPeriod は配信リトライの基準間隔。試行ごとに倍化する。
	deliveryRetryPeriod = 60 * time.Second
)

// deliveryRetryDelay は試行回数に応じたリトライ遅延を返す。
func deliveryRetryDelay(attempts int) time.Duration {
	return deliveryRetryPeriod * (1 << attempts)
}
