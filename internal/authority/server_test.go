package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/sessiongate/internal/config"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer は一時ディレクトリのSQLiteで認証局サーバーを構築する。
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := openDB(context.Background(), filepath.Join(t.TempDir(), "authority.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("DBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default().Authority
	cfg.JWTSecret = "test-secret"
	return newServer(db, cfg, zap.NewNop())
}

// doJSON はテスト用にJSONリクエストを送信する。
func doJSON(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("リクエストのエンコードに失敗: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// issueDevToken はテスト用にトークンの組を発行する。
func issueDevToken(t *testing.T, h http.Handler, body any) TokenPair {
	t.Helper()

	w := doJSON(t, h, http.MethodPost, "/auth/dev-token", body, "")
	if w.Code != http.StatusOK {
		t.Fatalf("dev-tokenのステータス = %d, body = %s", w.Code, w.Body.String())
	}
	var pair TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	return pair
}

// TestDevToken は開発用トークン発行を検証する。
func TestDevToken(t *testing.T) {
	t.Parallel()

	t.Run("既定の開発ユーザーで発行できる", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		pair := issueDevToken(t, s.Handler(), nil)
		if pair.AccessToken == "" || pair.RefreshToken == "" || pair.UserID == "" {
			t.Errorf("トークンの組が不完全: %+v", pair)
		}
		if pair.AccessToken == pair.RefreshToken {
			t.Error("アクセストークンとリフレッシュトークンが同一")
		}
	})

	t.Run("同じメールアドレスでは同じユーザーになる", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		first := issueDevToken(t, s.Handler(), gin.H{"email": "a@b.com", "full_name": "A B"})
		second := issueDevToken(t, s.Handler(), gin.H{"email": "a@b.com"})
		if first.UserID != second.UserID {
			t.Errorf("UserIDが異なる: %s != %s", first.UserID, second.UserID)
		}
		other := issueDevToken(t, s.Handler(), gin.H{"email": "c@d.com"})
		if other.UserID == first.UserID {
			t.Error("異なるメールアドレスで同じユーザーになった")
		}
	})
}

// TestValidate はトークン検証を検証する。
func TestValidate(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t)
	pair := issueDevToken(t, s.Handler(), nil)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "アクセストークンは有効", token: pair.AccessToken, want: true},
		{name: "リフレッシュトークンはアクセストークンとして無効", token: pair.RefreshToken, want: false},
		{name: "不正な文字列は無効", token: "not-a-jwt", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s.Handler(), http.MethodPost, "/auth/validate", gin.H{"token": tt.token}, "")
			if w.Code != http.StatusOK {
				t.Fatalf("ステータス = %d", w.Code)
			}
			var resp struct{ Valid bool }
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("レスポンスの解析に失敗: %v", err)
			}
			if resp.Valid != tt.want {
				t.Errorf("valid = %v, want %v", resp.Valid, tt.want)
			}
		})
	}

	t.Run("tokenが無ければ400", func(t *testing.T) {
		w := doJSON(t, s.Handler(), http.MethodPost, "/auth/validate", gin.H{}, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータス = %d, want 400", w.Code)
		}
	})
}

// TestMe はプロフィール取得を検証する。
func TestMe(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t)

	pair := issueDevToken(t, s.Handler(), gin.H{"email": "a@b.com", "full_name": "A B"})
	w := doJSON(t, s.Handler(), http.MethodGet, "/auth/me", nil, pair.AccessToken)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp["id"] != pair.UserID || resp["email"] != "a@b.com" || resp["full_name"] != "A B" {
		t.Errorf("プロフィール = %v", resp)
	}
	if photo, ok := resp["photo"]; !ok || photo != nil {
		t.Errorf("photo = %v, want null", photo)
	}

	t.Run("トークンが無ければ401", func(t *testing.T) {
		w := doJSON(t, s.Handler(), http.MethodGet, "/auth/me", nil, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータス = %d, want 401", w.Code)
		}
	})
}

// TestLogout はログアウトでトークンが失効することを検証する。
func TestLogout(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t)
	pair := issueDevToken(t, s.Handler(), nil)

	w := doJSON(t, s.Handler(), http.MethodPost, "/auth/logout", gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct{ Revoked int }
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.Revoked != 2 {
		t.Errorf("revoked = %d, want 2", resp.Revoked)
	}

	w = doJSON(t, s.Handler(), http.MethodPost, "/auth/validate", gin.H{"token": pair.AccessToken}, "")
	if !bytes.Contains(w.Body.Bytes(), []byte(`"valid":false`)) {
		t.Errorf("失効後も有効: %s", w.Body.String())
	}
	w = doJSON(t, s.Handler(), http.MethodGet, "/auth/me", nil, pair.AccessToken)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("失効後の/auth/meのステータス = %d, want 401", w.Code)
	}

	t.Run("二重のログアウトも成功する", func(t *testing.T) {
		w := doJSON(t, s.Handler(), http.MethodPost, "/auth/logout", gin.H{"access_token": pair.AccessToken}, "")
		if w.Code != http.StatusOK {
			t.Errorf("ステータス = %d", w.Code)
		}
	})
}

// TestCheckoutAndVerify は決済セッションの作成と検証を検証する。
func TestCheckoutAndVerify(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t)
	pair := issueDevToken(t, s.Handler(), gin.H{"email": "a@b.com"})

	w := doJSON(t, s.Handler(), http.MethodPost, "/payments/checkout", gin.H{"plan_type": "pro"}, pair.AccessToken)
	if w.Code != http.StatusCreated {
		t.Fatalf("ステータス = %d, body = %s", w.Code, w.Body.String())
	}
	var created struct {
		Token       string `json:"token"`
		SuccessPath string `json:"success_path"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if len(created.Token) != checkoutTokenLength {
		t.Errorf("トークン長 = %d, want %d", len(created.Token), checkoutTokenLength)
	}
	if created.SuccessPath != "/success/"+created.Token {
		t.Errorf("success_path = %s", created.SuccessPath)
	}

	w = doJSON(t, s.Handler(), http.MethodPost, "/payments/verify", gin.H{"token": created.Token}, "")
	var v Verification
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if !v.Valid || v.Email != "a@b.com" || v.PlanType == nil || *v.PlanType != "pro" {
		t.Errorf("検証結果 = %+v", v)
	}

	t.Run("存在しないトークンは無効", func(t *testing.T) {
		w := doJSON(t, s.Handler(), http.MethodPost, "/payments/verify", gin.H{"token": "unknown"}, "")
		if !bytes.Contains(w.Body.Bytes(), []byte(`"valid":false`)) {
			t.Errorf("body = %s", w.Body.String())
		}
	})

	t.Run("期限切れのトークンは無効", func(t *testing.T) {
		s.now = func() time.Time { return time.Now().Add(checkoutTTL + time.Hour) }
		t.Cleanup(func() { s.now = time.Now })

		w := doJSON(t, s.Handler(), http.MethodPost, "/payments/verify", gin.H{"token": created.Token}, "")
		if !bytes.Contains(w.Body.Bytes(), []byte(`"valid":false`)) {
			t.Errorf("body = %s", w.Body.String())
		}
	})

	t.Run("未認証では作成できない", func(t *testing.T) {
		w := doJSON(t, s.Handler(), http.MethodPost, "/payments/checkout", gin.H{"plan_type": "pro"}, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータス = %d, want 401", w.Code)
		}
	})
}
