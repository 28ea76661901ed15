// Package feeddiff はフィードXMLをエンベロープとエントリ断片に分離する。
//
// 再配信されるペイロードは発行者のXMLをバイト単位で保存する必要がある
// ため、DOMの再シリアライズは行わない。xml.DecoderのInputOffsetで各
// エントリ要素の開始・終了バイト位置を特定し、元のコンテンツから断片を
// 切り出す。エンベロープはエントリ範囲を除いた残りの部分になる。
package feeddiff

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// Entry はフィードから切り出された1エントリ。
type Entry struct {
	// ID はAtomの<id>またはRSSの<guid>（無ければ<link>）の文字列。
	ID string
	// Payload は元のXMLからバイト単位で切り出したエントリ断片。
	Payload string
}

// span はcontent内のバイト範囲 [start, end)。
type span struct {
	start int64
	end   int64
}

// Filter はフィードXMLをエンベロープとエントリ群に分離する。
// エントリはドキュメント内の出現順で返される。ルート要素がformatと
// 一致しない場合やエントリIDが欠落している場合はエラーを返す。
func Filter(content string, format model.FeedFormat) (string, []*Entry, error) {
	var headerFooter string
	var entries []*Entry
	var err error
	if format == model.FormatRSS {
		headerFooter, entries, err = filterRSS(content)
	} else {
		headerFooter, entries, err = filterAtom(content)
	}
	if err != nil {
		return "", nil, err
	}
	return headerFooter, entries, nil
}

// filterAtom はAtomフィードを分離する。エントリは<feed>直下の<entry>。
func filterAtom(content string) (string, []*Entry, error) {
	dec := xml.NewDecoder(strings.NewReader(content))

	var (
		depth      int
		rootSeen   bool
		entrySpans []span
		entries    []*Entry
		entryStart int64
		entryID    string
		idDepth    = -1
		idBuf      strings.Builder
	)

	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", nil, fmt.Errorf("Atomフィードの解析に失敗しました: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if t.Name.Local != "feed" {
					return "", nil, fmt.Errorf("Atomフィードのルート要素が不正です: %q", t.Name.Local)
				}
				rootSeen = true
			}
			if depth == 1 && t.Name.Local == "entry" {
				entryStart = offset
				entryID = ""
			}
			if depth == 2 && t.Name.Local == "id" {
				idDepth = depth
				idBuf.Reset()
			}
			depth++
		case xml.CharData:
			if idDepth >= 0 {
				idBuf.Write(t)
			}
		case xml.EndElement:
			depth--
			if idDepth >= 0 && depth == idDepth {
				entryID = strings.TrimSpace(idBuf.String())
				idDepth = -1
			}
			if depth == 1 && t.Name.Local == "entry" {
				end := dec.InputOffset()
				if entryID == "" {
					return "", nil, fmt.Errorf("Atomエントリに<id>がありません")
				}
				entrySpans = append(entrySpans, span{start: entryStart, end: end})
				entries = append(entries, &Entry{
					ID:      entryID,
					Payload: content[entryStart:end],
				})
			}
		}
	}

	if !rootSeen {
		return "", nil, fmt.Errorf("Atomフィードに<feed>要素がありません")
	}
	return removeSpans(content, entrySpans), entries, nil
}

// filterRSS はRSSフィードを分離する。アイテムは<rss><channel>直下の<item>。
// IDは<guid>を優先し、無ければ<link>で代用する。
func filterRSS(content string) (string, []*Entry, error) {
	dec := xml.NewDecoder(strings.NewReader(content))

	var (
		depth       int
		rootSeen    bool
		channelSeen bool
		entrySpans  []span
		entries     []*Entry
		itemStart   int64
		guid        string
		link        string
		textDepth   = -1
		textTarget  *string
		textBuf     strings.Builder
	)

	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", nil, fmt.Errorf("RSSフィードの解析に失敗しました: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if t.Name.Local != "rss" {
					return "", nil, fmt.Errorf("RSSフィードのルート要素が不正です: %q", t.Name.Local)
				}
				rootSeen = true
			}
			if depth == 1 && t.Name.Local == "channel" {
				channelSeen = true
			}
			if depth == 2 && t.Name.Local == "item" {
				itemStart = offset
				guid, link = "", ""
			}
			if depth == 3 {
				switch t.Name.Local {
				case "guid":
					textDepth, textTarget = depth, &guid
					textBuf.Reset()
				case "link":
					textDepth, textTarget = depth, &link
					textBuf.Reset()
				}
			}
			depth++
		case xml.CharData:
			if textDepth >= 0 {
				textBuf.Write(t)
			}
		case xml.EndElement:
			depth--
			if textDepth >= 0 && depth == textDepth {
				*textTarget = strings.TrimSpace(textBuf.String())
				textDepth, textTarget = -1, nil
			}
			if depth == 2 && t.Name.Local == "item" {
				end := dec.InputOffset()
				id := guid
				if id == "" {
					id = link
				}
				if id == "" {
					return "", nil, fmt.Errorf("RSSアイテムに<guid>も<link>もありません")
				}
				entrySpans = append(entrySpans, span{start: itemStart, end: end})
				entries = append(entries, &Entry{
					ID:      id,
					Payload: content[itemStart:end],
				})
			}
		}
	}

	if !rootSeen || !channelSeen {
		return "", nil, fmt.Errorf("RSSフィードに<rss><channel>構造がありません")
	}
	return removeSpans(content, entrySpans), entries, nil
}

// removeSpans はcontentから指定範囲を除いた残りを連結して返す。
// 範囲は出現順かつ非重複であることを前提とする。
func removeSpans(content string, spans []span) string {
	if len(spans) == 0 {
		return content
	}
	var b strings.Builder
	var cursor int64
	for _, s := range spans {
		b.WriteString(content[cursor:s.start])
		cursor = s.end
	}
	b.WriteString(content[cursor:])
	return b.String()
}
