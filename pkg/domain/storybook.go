package domain

import (
	"fmt"
	"strings"
)

// StoryBook は AI モデルから返される絵本全体の構造です。
// 値型として扱い、編集のたびに再構築します（その場での書き換えはしません）。
type StoryBook struct {
	Title                 string      `json:"title"`
	AuthorLine            string      `json:"author_line"`
	Moral                 string      `json:"moral"`
	CharacterDescriptions string      `json:"character_descriptions"`
	Pages                 []StoryPage `json:"pages"`
}

// StoryPage は絵本の1ページの本文と挿絵指示を保持します。
// Number は 1 始まりの連番で、配列位置と一致している必要があります。
type StoryPage struct {
	Number             int    `json:"page"`
	Body               string `json:"body"`
	IllustrationPrompt string `json:"illustration_prompt"`
}

// Validate はページ番号の不変条件（1始まり・連番・重複なし）を検証します。
func (b StoryBook) Validate() error {
	for i, p := range b.Pages {
		if p.Number != i+1 {
			return fmt.Errorf("ページ番号が不正です: index=%d, number=%d", i, p.Number)
		}
	}
	return nil
}

// WithPages はページ列を差し替えた新しい StoryBook を返します。
func (b StoryBook) WithPages(pages []StoryPage) StoryBook {
	copied := make([]StoryPage, len(pages))
	copy(copied, pages)
	b.Pages = copied
	return b
}

// WithCharacterDescriptions はキャラクター説明を差し替えた新しい StoryBook を返します。
func (b StoryBook) WithCharacterDescriptions(descriptions string) StoryBook {
	b.CharacterDescriptions = descriptions
	return b
}

// WithPagePrompt は指定ページの挿絵プロンプトだけを差し替えた新しい StoryBook を返すのだ。
// pageNumber は 1 始まりで、範囲外の場合は元の本をそのまま返すのだよ。
func (b StoryBook) WithPagePrompt(pageNumber int, prompt string) StoryBook {
	if pageNumber < 1 || pageNumber > len(b.Pages) {
		return b
	}
	pages := make([]StoryPage, len(b.Pages))
	copy(pages, b.Pages)
	pages[pageNumber-1].IllustrationPrompt = prompt
	return b.WithPages(pages)
}

// Renumber はページ番号を配列位置に合わせて振り直した新しい StoryBook を返します。
// AI の出力はページ番号が欠落・重複していることがあるため、パース直後に必ず通します。
func (b StoryBook) Renumber() StoryBook {
	pages := make([]StoryPage, len(b.Pages))
	copy(pages, b.Pages)
	for i := range pages {
		pages[i].Number = i + 1
	}
	return b.WithPages(pages)
}

// String は絵本の概要を文字列で返すのだ。
func (b StoryBook) String() string {
	return fmt.Sprintf("%s (%d pages)", b.Title, len(b.Pages))
}

// Image は生成された1枚の挿絵データとそのメタデータです。
type Image struct {
	Data     []byte
	MimeType string
}

// ImageMap はページインデックスから挿絵への対応表なのだ。
// インデックス 0 は常に表紙で、1..N が本文ページに対応するのだよ。
type ImageMap map[int]Image

// CoverIndex は表紙を表す固定インデックスです。
const CoverIndex = 0

// MissingIndices は cover + 1..pageCount のうち、まだ挿絵がないインデックスを昇順で返します。
func (m ImageMap) MissingIndices(pageCount int) []int {
	var missing []int
	for i := 0; i <= pageCount; i++ {
		if _, ok := m[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Clone は ImageMap の防御的コピーを返します。完了スナップショットの受け渡しに使います。
func (m ImageMap) Clone() ImageMap {
	copied := make(ImageMap, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}

// PromptPreview はログ出力用にプロンプトを最大 maxLen 文字に切り詰めます。
func PromptPreview(prompt string, maxLen int) string {
	prompt = strings.TrimSpace(prompt)
	runes := []rune(prompt)
	if len(runes) <= maxLen {
		return prompt
	}
	return string(runes[:maxLen])
}
