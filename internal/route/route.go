// Package route はパスをゲート対象のルート種別に分類する。
package route

import (
	"regexp"
	"strings"
)

// Class はルート種別を表す。
type Class int

const (
	// Other は許可リスト外のパス。ゲートを通さずにそのまま描画する。
	Other Class = iota
	// Home はトップページ（"/" 完全一致）。
	Home
	// Form は "/form" で始まるパス。2ペインのレイアウトで描画する。
	Form
	// SuccessCallback は決済完了後のコールバック（"/success/<token>"）。
	SuccessCallback
)

// HomePath はリダイレクト先となるトップページのパス。
const HomePath = "/"

// formPrefix はFormルートの接頭辞。
const formPrefix = "/form"

// successPattern はコールバックのパス形式。末尾セグメントがトークン。
var successPattern = regexp.MustCompile(`^/success/([^/]+)$`)

// String はルート種別の名前を返す。
func (c Class) String() string {
	switch c {
	case Home:
		return "home"
	case Form:
		return "form"
	case SuccessCallback:
		return "success"
	default:
		return "other"
	}
}

// Gated はセッション検証が必要な種別かどうかを返す。
func (c Class) Gated() bool {
	return c != Other
}

// Layout はゲート済みページの外枠を表す。
type Layout int

const (
	// LayoutNone はシェルを使わずに子要素のみを描画する。
	LayoutNone Layout = iota
	// LayoutTwoPane はサイドバーとメインの2ペイン。
	LayoutTwoPane
	// LayoutSingleColumn はナビゲーションバーとメインの1カラム。
	LayoutSingleColumn
)

// String はレイアウト名を返す。
func (l Layout) String() string {
	switch l {
	case LayoutTwoPane:
		return "two_pane"
	case LayoutSingleColumn:
		return "single_column"
	default:
		return "none"
	}
}

// MarshalText はJSONレスポンス用にレイアウト名を返す。
func (l Layout) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Layout は種別に対応するシェルを返す。
func (c Class) Layout() Layout {
	switch c {
	case Other:
		return LayoutNone
	case Form:
		return LayoutTwoPane
	default:
		return LayoutSingleColumn
	}
}

// Classify はパスをルート種別に分類する純粋関数。
// "/success" 単体も許可リストに含まれるため、トークン無しのコールバックとして扱う。
func Classify(path string) Class {
	switch {
	case path == HomePath:
		return Home
	case strings.HasPrefix(path, formPrefix):
		return Form
	case path == "/success" || successPattern.MatchString(path):
		return SuccessCallback
	default:
		return Other
	}
}

// SuccessToken はコールバックのパスからトークンを取り出す。
func SuccessToken(path string) (string, bool) {
	m := successPattern.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], true
}
