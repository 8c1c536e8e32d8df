package authority

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/sessiongate/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound はレコードが存在しないことを表す。
var ErrNotFound = errors.New("レコードが見つかりません")

// User は認証局に登録されたユーザー。
type User struct {
	ID             string
	Provider       string
	ProviderUserID string
	Email          string
	FullName       string
	PhotoURL       string
}

// CheckoutSession は決済セッション。Tokenが決済完了後のコールバックURLに含まれる。
type CheckoutSession struct {
	Token     string
	UserID    string
	Email     string
	PlanType  string
	ExpiresAt time.Time
}

// store は認証局のSQLiteストア。
type store struct {
	db *sql.DB
}

// openDB はSQLiteデータベースを開き、マイグレーションを適用する。
func openDB(ctx context.Context, dsn string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return db, nil
}

func (s *store) getUserByProvider(ctx context.Context, provider, providerUserID string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, provider_user_id, email, full_name, photo_url
		 FROM users WHERE provider = ? AND provider_user_id = ?`,
		provider, providerUserID,
	).Scan(&u.ID, &u.Provider, &u.ProviderUserID, &u.Email, &u.FullName, &u.PhotoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー取得に失敗: %w", err)
	}
	return u, nil
}

func (s *store) getUserByID(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, provider_user_id, email, full_name, photo_url
		 FROM users WHERE id = ?`,
		id,
	).Scan(&u.ID, &u.Provider, &u.ProviderUserID, &u.Email, &u.FullName, &u.PhotoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー取得に失敗: %w", err)
	}
	return u, nil
}

func (s *store) createUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, provider, provider_user_id, email, full_name, photo_url)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Provider, u.ProviderUserID, u.Email, u.FullName, u.PhotoURL,
	)
	if err != nil {
		return fmt.Errorf("ユーザー作成に失敗: %w", err)
	}
	return nil
}

func (s *store) updateLastLogin(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login_at = datetime('now') WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	return nil
}

// revokeToken はトークンIDを失効済みとして記録する。既に記録済みなら何もしない。
func (s *store) revokeToken(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_id, user_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(token_id) DO NOTHING`,
		tokenID, userID, expiresAt.UTC(),
	); err != nil {
		return fmt.Errorf("トークンの失効に失敗: %w", err)
	}
	return nil
}

func (s *store) isRevoked(ctx context.Context, tokenID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM revoked_tokens WHERE token_id = ?", tokenID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("失効状態の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// purgeRevoked は有効期限を過ぎた失効記録を削除する。
func (s *store) purgeRevoked(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM revoked_tokens WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("失効記録の削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

func (s *store) createCheckout(ctx context.Context, cs *CheckoutSession) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkout_sessions (token, user_id, email, plan_type, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cs.Token, cs.UserID, cs.Email, cs.PlanType, cs.ExpiresAt.UTC(),
	); err != nil {
		return fmt.Errorf("決済セッションの作成に失敗: %w", err)
	}
	return nil
}

func (s *store) getCheckout(ctx context.Context, token string) (*CheckoutSession, error) {
	cs := &CheckoutSession{}
	err := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, email, plan_type, expires_at
		 FROM checkout_sessions WHERE token = ?`,
		token,
	).Scan(&cs.Token, &cs.UserID, &cs.Email, &cs.PlanType, &cs.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("決済セッションの取得に失敗: %w", err)
	}
	return cs, nil
}
