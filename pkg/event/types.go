package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeVisitor はブラウザ単位の訪問者を表す。
	AggregateTypeVisitor AggregateType = "Visitor"
	// AggregateTypeProject はプロジェクトエンティティを表す。
	AggregateTypeProject AggregateType = "Project"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeSessionResolved はトークン検証とプロフィール取得に成功しセッションが確立したことを表す。
	TypeSessionResolved Type = "SessionResolved"
	// TypeSessionCleared はログアウトによりセッションと認証情報が消去されたことを表す。
	TypeSessionCleared Type = "SessionCleared"
	// TypeNavigationSuperseded は新しいナビゲーションにより古い評価結果が破棄されたことを表す。
	TypeNavigationSuperseded Type = "NavigationSuperseded"
	// TypeProjectCreated はサイドバーからプロジェクトが作成されたことを表す。
	TypeProjectCreated Type = "ProjectCreated"
)

// Event はゲートが発行する不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はゲート評価の世代番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// SessionResolvedData はSessionResolvedイベントのデータ。
type SessionResolvedData struct {
	// UserID は認証済みユーザーのID。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Path は評価対象のパス。
	Path string `json:"path"`
}

// SessionClearedData はSessionClearedイベントのデータ。
type SessionClearedData struct {
	// Reason はログアウトに至った理由。
	Reason string `json:"reason"`
	// Path は評価対象のパス。
	Path string `json:"path"`
}

// NavigationSupersededData はNavigationSupersededイベントのデータ。
type NavigationSupersededData struct {
	// Path は破棄された評価のパス。
	Path string `json:"path"`
}

// ProjectCreatedData はProjectCreatedイベントのデータ。
type ProjectCreatedData struct {
	// UserID はプロジェクトを作成したユーザーのID。
	UserID string `json:"user_id"`
	// Name はプロジェクト名。
	Name string `json:"name"`
}
