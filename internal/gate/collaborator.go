package gate

import "context"

// Profile は認証局が返すユーザープロフィール。
type Profile struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// FullName は表示名。
	FullName string `json:"full_name"`
	// Photo はアバター画像のURL。未設定ならnil。
	Photo *string `json:"photo,omitempty"`
}

// Authority はトークンを検証しプロフィールを返す外部の認証局。
type Authority interface {
	// ValidateToken はアクセストークンが受理されるかどうかを返す。
	ValidateToken(ctx context.Context, accessToken string) (bool, error)
	// GetMe はアクセストークンの持ち主のプロフィールを返す。トークンが無効ならエラー。
	GetMe(ctx context.Context, accessToken string) (*Profile, error)
	// Logout はサーバー側のセッションを終了する。ユーザー操作によるログアウトで使用する。
	Logout(ctx context.Context, accessToken, refreshToken string) error
}

// CredentialStore は訪問者側に保存された認証情報（アクセス/リフレッシュトークン）。
// ゲートは読み取りと消去のみを行い、書き込みはログイン処理が担う。
type CredentialStore interface {
	// Credentials は保存済みのトークンを返す。未保存の値は空文字列。
	Credentials() (accessToken, refreshToken string)
	// Clear は保存済みのトークンを両方とも消去する。
	Clear() error
}
