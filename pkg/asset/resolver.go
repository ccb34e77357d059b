package asset

import (
	"github.com/shouni/go-utils/urlpath"
)

const (
	// DefaultImageDir は生成された挿絵を格納するデフォルトのディレクトリ名です。
	DefaultImageDir = "images"
	// DefaultBookJSON は生成された絵本のデフォルト JSON ファイル名です。
	DefaultBookJSON = "storybook.json"
	// DefaultCoverFileName は表紙画像のファイル名です。
	DefaultCoverFileName = "cover.png"
	// DefaultPageFileName はページ挿絵の共通のベースファイル名です。
	DefaultPageFileName = "page.png"
)

// ResolveOutputPath は、ベースとなるディレクトリパスとファイル名から、
// GCS/ローカルを考慮した最終的な出力パスを生成します。
func ResolveOutputPath(baseDir, fileName string) (string, error) {
	return urlpath.ResolvePath(baseDir, fileName)
}

// GenerateIndexedPath は、指定されたベースパスの拡張子の前に連番を挿入し、
// 新しいパス文字列を生成します。index は1以上の整数である必要があります。
// 例: "path/to/page.png", 1 -> "path/to/page_1.png"
func GenerateIndexedPath(basePath string, index int) (string, error) {
	return urlpath.GenerateIndexedPath(basePath, index)
}

// ImagePathFor は画像マップのインデックスから保存先パスを解決します。
// インデックス 0 は表紙、1 以降はページ番号に対応します。
func ImagePathFor(imageDir string, index int) (string, error) {
	if index == 0 {
		return ResolveOutputPath(imageDir, DefaultCoverFileName)
	}
	basePath, err := ResolveOutputPath(imageDir, DefaultPageFileName)
	if err != nil {
		return "", err
	}
	return GenerateIndexedPath(basePath, index)
}
