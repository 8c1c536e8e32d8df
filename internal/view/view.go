// Package view はゲートの評価結果に応じたページのシェルを描画する。
package view

import (
	"embed"
	"fmt"
	"html/template"

	"github.com/nao1215/sessiongate/internal/gate"
	"github.com/nao1215/sessiongate/internal/project"
	"github.com/nao1215/sessiongate/internal/route"
)

//go:embed templates/*.html
var files embed.FS

// テンプレート名。
const (
	// Loading は初回の評価が終わっていない間に表示するページ。
	Loading = "loading.html"
	// Bare はシェルを持たないページ。
	Bare = "bare.html"
	// TwoPane はサイドバーとメインの2ペインのページ。
	TwoPane = "two_pane.html"
	// SingleColumn はナビゲーションバーとメインの1カラムのページ。
	SingleColumn = "single_column.html"
)

// Page はテンプレートに渡すデータ。
type Page struct {
	// Title はページタイトル。
	Title string
	// Path は表示中のパス。
	Path string
	// Query はサイドバーの検索語。
	Query string
	// View はゲートの状態のスナップショット。
	View gate.View
	// Initials はアバター画像が無い場合に表示する頭文字。
	Initials string
	// Projects はサイドバーに表示するプロジェクト。
	Projects []project.Project
	// Notice はメイン領域に表示するお知らせ。
	Notice string
}

// NewPage はゲートの状態からページデータを生成する。
func NewPage(path string, v gate.View) Page {
	return Page{
		Path:     path,
		View:     v,
		Initials: v.Session.Initials(),
	}
}

// Selected はプロジェクトが選択中かどうかを返す。
func (p Page) Selected(projectID string) bool {
	id := p.View.Project.SelectedProjectID
	return id != nil && *id == projectID
}

// Parse は埋め込みのテンプレートを読み込む。
func Parse() (*template.Template, error) {
	tmpl, err := template.ParseFS(files, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("テンプレートの読み込みに失敗: %w", err)
	}
	return tmpl, nil
}

// Name はレイアウトに対応するテンプレート名を返す。
func Name(layout route.Layout) string {
	switch layout {
	case route.LayoutTwoPane:
		return TwoPane
	case route.LayoutSingleColumn:
		return SingleColumn
	default:
		return Bare
	}
}
