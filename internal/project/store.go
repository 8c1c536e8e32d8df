// Package project はサイドバーに表示するプロジェクトの保存と取得を行う。
package project

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/sessiongate/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound はプロジェクトが存在しないことを表す。
	ErrNotFound = errors.New("プロジェクトが見つかりません")
	// ErrForbidden はプロジェクトが別のユーザーに所属していることを表す。
	ErrForbidden = errors.New("このプロジェクトへのアクセス権がありません")
	// ErrInvalidDataInfo はdata_infoがJSONオブジェクトでないことを表す。
	ErrInvalidDataInfo = errors.New("data_infoはJSONオブジェクトである必要があります")
)

// emptyDataInfo は新規プロジェクトのdata_info。
var emptyDataInfo = json.RawMessage(`{}`)

// Project はユーザーが作成したプロジェクト。
type Project struct {
	// ID はプロジェクトの一意識別子。
	ID string `json:"id"`
	// UserID はプロジェクトを作成したユーザーのID。
	UserID string `json:"user_id"`
	// Name はプロジェクト名。
	Name string `json:"name"`
	// DataInfo はオブジェクトとプロパティのJSON。
	DataInfo json.RawMessage `json:"data_info"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// Store はプロジェクトのSQLiteストア。
type Store struct {
	db *sql.DB
}

// Open はSQLiteデータベースを開き、マイグレーションを適用したストアを返す。
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore は既存のデータベース接続からストアを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Create は新しいプロジェクトを作成する。dataInfoが空なら空のオブジェクトを保存する。
func (s *Store) Create(ctx context.Context, userID, name string, dataInfo json.RawMessage) (*Project, error) {
	info, err := normalizeDataInfo(dataInfo)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (id, user_id, name, data_info) VALUES (?, ?, ?, ?)",
		id, userID, name, string(info),
	); err != nil {
		return nil, fmt.Errorf("プロジェクトの作成に失敗: %w", err)
	}
	return s.get(ctx, id)
}

// Get はユーザーが所有するプロジェクトを返す。
func (s *Store) Get(ctx context.Context, userID, id string) (*Project, error) {
	p, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrForbidden
	}
	return p, nil
}

// List はユーザーのプロジェクトを作成順に返す。
// queryが空でなければ名前に大文字小文字を区別せず部分一致するものに絞り込む。
func (s *Store) List(ctx context.Context, userID, query string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, data_info, created_at, updated_at
		 FROM projects WHERE user_id = ? ORDER BY created_at, rowid`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("プロジェクト一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	needle := strings.ToLower(query)
	projects := make([]Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("プロジェクト一覧の取得に失敗: %w", err)
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			continue
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("プロジェクト一覧の取得に失敗: %w", err)
	}
	return projects, nil
}

// Update はプロジェクトの名前とdata_infoを更新する。dataInfoがnilならdata_infoは変更しない。
func (s *Store) Update(ctx context.Context, userID, id, name string, dataInfo json.RawMessage) (*Project, error) {
	current, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	info := current.DataInfo
	if dataInfo != nil {
		if info, err = normalizeDataInfo(dataInfo); err != nil {
			return nil, err
		}
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE projects SET name = ?, data_info = ?, updated_at = datetime('now') WHERE id = ?",
		name, string(info), id,
	); err != nil {
		return nil, fmt.Errorf("プロジェクトの更新に失敗: %w", err)
	}
	return s.get(ctx, id)
}

// Delete はプロジェクトを削除する。
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id); err != nil {
		return fmt.Errorf("プロジェクトの削除に失敗: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, data_info, created_at, updated_at
		 FROM projects WHERE id = ?`,
		id,
	)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗: %w", err)
	}
	return p, nil
}

// scanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanProject(sc scanner) (*Project, error) {
	var (
		p    Project
		info string
	)
	if err := sc.Scan(&p.ID, &p.UserID, &p.Name, &info, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.DataInfo = json.RawMessage(info)
	return &p, nil
}

// normalizeDataInfo はdata_infoがJSONオブジェクトであることを確認する。
func normalizeDataInfo(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return emptyDataInfo, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, ErrInvalidDataInfo
	}
	return raw, nil
}
