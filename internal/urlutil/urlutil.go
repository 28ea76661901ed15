// Package urlutil はコールバック/トピックURLの検証と正規化を提供する。
package urlutil

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// validPorts は本番環境で許可されるポート番号。
// 開発環境（IsDevEnv）では制限しない。
var validPorts = map[string]bool{
	"80": true, "443": true, "4443": true,
	"8080": true, "8081": true, "8082": true, "8083": true, "8084": true,
	"8085": true, "8086": true, "8087": true, "8088": true, "8089": true,
	"8188": true, "8444": true, "8990": true,
}

// Validate はハブが受け付けるURLかを検証する。
// スキームはhttp/httpsのみ、フラグメントは不可、ポートは許可リストに
// 含まれる必要がある（devEnvがtrueの場合はポート制限なし）。
func Validate(rawURL string, devEnv bool) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLの解析に失敗しました: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URLスキームが不正です: %q", parsed.Scheme)
	}

	if parsed.Fragment != "" {
		return fmt.Errorf("URLにフラグメントが含まれています: %q", rawURL)
	}

	if parsed.Hostname() == "" {
		return fmt.Errorf("URLにホストがありません: %q", rawURL)
	}

	if port := parsed.Port(); port != "" && !devEnv && !validPorts[port] {
		return fmt.Errorf("URLポートが許可されていません: %q", port)
	}

	return nil
}

// Normalize はURLをIRI正規化してハッシュキー導出に適した形にする。
// 等価なIRIが同一キーへ収束するよう、ホストはIDNA(punycode)かつ小文字へ、
// パスのUTF-8バイトはパーセントエンコードへ正規化する。クエリは保存する。
// 正規化できない入力はそのまま返す（検証はValidateの責務）。
func Normalize(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	host := strings.ToLower(parsed.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		host = ascii
	}
	if port := parsed.Port(); port != "" {
		host = host + ":" + port
	}
	parsed.Host = host
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	// RawPathを落とすことでString()が非ASCIIバイトをパーセントエンコードした
	// EscapedPathを再構築する。クエリ(RawQuery)には手を付けない。
	parsed.RawPath = ""

	return parsed.String()
}
