package authority

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nao1215/sessiongate/internal/gate"
	"github.com/nao1215/sessiongate/pkg/httpclient"
	"golang.org/x/sync/singleflight"
)

// ErrUnauthorized は認証局がトークンを拒否したことを表す。
var ErrUnauthorized = errors.New("認証局がトークンを拒否しました")

// Verification は決済トークンの検証結果。
type Verification struct {
	// Valid はトークンが有効かどうか。
	Valid bool `json:"valid"`
	// Email は決済したユーザーのメールアドレス。
	Email string `json:"email"`
	// PlanType は購入したプラン。未指定ならnil。
	PlanType *string `json:"plan_type,omitempty"`
}

// PaymentVerifier は決済トークンを検証する。
type PaymentVerifier interface {
	VerifySessionToken(ctx context.Context, token string) (*Verification, error)
}

// Client は認証局のHTTPクライアント。gate.AuthorityとPaymentVerifierを実装する。
type Client struct {
	http *httpclient.Client
	// group は同じトークンに対する同時のプロフィール取得をまとめる。
	group singleflight.Group
}

var (
	_ gate.Authority  = (*Client)(nil)
	_ PaymentVerifier = (*Client)(nil)
)

// NewClient は新しい認証局クライアントを生成する。
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{http: httpclient.New(baseURL, httpclient.WithTimeout(timeout))}
}

// ValidateToken はアクセストークンを検証する。
func (c *Client) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := c.http.PostJSON(ctx, "/auth/validate", tokenRequest{Token: accessToken}, &resp); err != nil {
		return false, fmt.Errorf("トークン検証リクエストに失敗: %w", err)
	}
	return resp.Valid, nil
}

// GetMe はアクセストークンの持ち主のプロフィールを取得する。
func (c *Client) GetMe(ctx context.Context, accessToken string) (*gate.Profile, error) {
	v, err, _ := c.group.Do(accessToken, func() (any, error) {
		var p gate.Profile
		if err := c.http.GetJSON(httpclient.WithBearerToken(ctx, accessToken), "/auth/me", &p); err != nil {
			var se *httpclient.StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
				return nil, ErrUnauthorized
			}
			return nil, fmt.Errorf("プロフィール取得リクエストに失敗: %w", err)
		}
		return &p, nil
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*gate.Profile)
	if p.Photo != nil {
		photo := *p.Photo
		p.Photo = &photo
	}
	return &p, nil
}

// Logout は認証局でトークンを失効させる。
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	req := logoutRequest{AccessToken: accessToken, RefreshToken: refreshToken}
	if err := c.http.PostJSON(ctx, "/auth/logout", req, nil); err != nil {
		return fmt.Errorf("ログアウトリクエストに失敗: %w", err)
	}
	return nil
}

// VerifySessionToken は決済トークンを検証する。
func (c *Client) VerifySessionToken(ctx context.Context, token string) (*Verification, error) {
	var v Verification
	if err := c.http.PostJSON(ctx, "/payments/verify", tokenRequest{Token: token}, &v); err != nil {
		return nil, fmt.Errorf("決済トークン検証リクエストに失敗: %w", err)
	}
	return &v, nil
}

// DevToken は開発用のトークンの組を発行させる。emailとfullNameは空でもよい。
func (c *Client) DevToken(ctx context.Context, email, fullName string) (*TokenPair, error) {
	var pair TokenPair
	req := devTokenRequest{Email: email, FullName: fullName}
	if err := c.http.PostJSON(ctx, "/auth/dev-token", req, &pair); err != nil {
		return nil, fmt.Errorf("開発用トークンの発行に失敗: %w", err)
	}
	return &pair, nil
}
