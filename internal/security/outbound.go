// Package security はアウトバウンドHTTPのセキュリティ機能を提供する。
package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundClientFactory はコールバック検証・フィードフェッチ・イベント配信で
// 使用するアウトバウンドHTTPクライアントを生成するインターフェース。
type OutboundClientFactory interface {
	// NewClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlライブラリにより、プライベートIP、ループバック、リンクローカル、
	// メタデータIPへのリクエストが自動的にブロックされる。
	// net.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
	// DNS再バインディング攻撃にも対応している。
	NewClient(timeout time.Duration) *http.Client
}

// allowedPorts はアウトバウンドで許可されるポート番号。
// urlutil.Validateの許可リストと対応する。
var allowedPorts = []int{
	80, 443, 4443,
	8080, 8081, 8082, 8083, 8084, 8085, 8086, 8087, 8088, 8089,
	8188, 8444, 8990,
}

// safeFactory は本番用のOutboundClientFactory実装。
type safeFactory struct{}

// NewSafeFactory はsafeurlベースのファクトリを生成する。
func NewSafeFactory() OutboundClientFactory {
	return &safeFactory{}
}

func (f *safeFactory) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// devFactory は開発用のファクトリ。SSRFガードを適用せず、
// ローカルホストの購読者やフィードへの接続を許可する。
type devFactory struct{}

// NewDevFactory は開発環境用のファクトリを生成する。
func NewDevFactory() OutboundClientFactory {
	return &devFactory{}
}

func (f *devFactory) NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// NewFactory は環境に応じたファクトリを生成する。
func NewFactory(devEnv bool) OutboundClientFactory {
	if devEnv {
		return NewDevFactory()
	}
	return NewSafeFactory()
}
