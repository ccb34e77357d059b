package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// stripJSONFences は、AIが付けがちなMarkdownタグ (```json ... ```) と余計な空白を取り除きます。
func stripJSONFences(raw string) string {
	rawJSON := strings.TrimSpace(raw)
	rawJSON = strings.TrimPrefix(rawJSON, "```json")
	rawJSON = strings.TrimPrefix(rawJSON, "```")
	rawJSON = strings.TrimSuffix(rawJSON, "```")
	return strings.TrimSpace(rawJSON)
}

// ParseStoryResponse はAIが返したテキストを StoryBook にパースします。
// ページ番号は配列位置に合わせて振り直し、要求ページ数を超えた分は切り捨てます。
// 要求より少ないページしか返らなかった応答は不正として扱います。
func ParseStoryResponse(p Provider, raw string, pageCount int) (domain.StoryBook, error) {
	var book domain.StoryBook
	if err := json.Unmarshal([]byte(stripJSONFences(raw)), &book); err != nil {
		return domain.StoryBook{}, NewMalformedError(p, fmt.Errorf("JSONのパースに失敗したのだ: %w", err))
	}

	if len(book.Pages) == 0 {
		return domain.StoryBook{}, NewMalformedError(p, fmt.Errorf("応答にページが1つも含まれていません"))
	}
	// ページ不足は切り詰めで辻褄を合わせられないので不正応答として弾く
	if pageCount > 0 && len(book.Pages) < pageCount {
		return domain.StoryBook{}, NewMalformedError(p,
			fmt.Errorf("応答のページ数が不足しています: %d / 要求 %d", len(book.Pages), pageCount))
	}
	if pageCount > 0 && len(book.Pages) > pageCount {
		book = book.WithPages(book.Pages[:pageCount])
	}

	book = book.Renumber()
	if err := book.Validate(); err != nil {
		return domain.StoryBook{}, NewMalformedError(p, err)
	}
	return book, nil
}

// DecodeStructured は構造化補完の応答 JSON を out にデコードします。
func DecodeStructured(p Provider, raw string, out any) error {
	if err := json.Unmarshal([]byte(stripJSONFences(raw)), out); err != nil {
		return NewMalformedError(p, fmt.Errorf("構造化応答のパースに失敗しました: %w", err))
	}
	return nil
}
