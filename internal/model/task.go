package model

import (
	"net/url"
	"time"
)

// Task はタスクキューに登録される1つの作業項目。
// Nameが空でない場合、同一キュー内の同名タスクの再登録はno-opになる
// （冪等チェーンの基本プリミティブ）。実行は少なくとも1回。
type Task struct {
	ID        string
	Queue     string
	Path      string
	Params    url.Values
	Name      string
	ETA       time.Time
	Attempts  int
	CreatedAt time.Time
}
