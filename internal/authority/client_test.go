package authority

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/nao1215/sessiongate/internal/gate"
)

// TestClient は認証局サーバーに対するクライアントの往復を検証する。
func TestClient(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	pair := issueDevToken(t, s.Handler(), gin.H{"email": "a@b.com", "full_name": "A B", "photo": "https://example.com/a.png"})
	client := NewClient(ts.URL, 5*time.Second)
	ctx := context.Background()

	again, err := client.DevToken(ctx, "a@b.com", "")
	if err != nil {
		t.Fatalf("DevToken() error = %v", err)
	}
	if again.UserID != pair.UserID {
		t.Errorf("DevToken().UserID = %s, want %s", again.UserID, pair.UserID)
	}

	valid, err := client.ValidateToken(ctx, pair.AccessToken)
	if err != nil || !valid {
		t.Fatalf("ValidateToken() = %v, %v", valid, err)
	}

	profile, err := client.GetMe(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("GetMe() error = %v", err)
	}
	photo := "https://example.com/a.png"
	want := &gate.Profile{ID: pair.UserID, Email: "a@b.com", FullName: "A B", Photo: &photo}
	if diff := cmp.Diff(want, profile); diff != "" {
		t.Errorf("Profile mismatch (-want +got):\n%s", diff)
	}

	if err := client.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	valid, err = client.ValidateToken(ctx, pair.AccessToken)
	if err != nil || valid {
		t.Errorf("失効後のValidateToken() = %v, %v", valid, err)
	}
	if _, err := client.GetMe(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("失効後のGetMe() error = %v, want ErrUnauthorized", err)
	}
}

// TestClient_VerifySessionToken は決済トークン検証を検証する。
func TestClient_VerifySessionToken(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments/verify" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"valid":true,"email":"a@b.com"}`))
	}))
	t.Cleanup(ts.Close)

	v, err := NewClient(ts.URL, time.Second).VerifySessionToken(context.Background(), "tok")
	if err != nil {
		t.Fatalf("VerifySessionToken() error = %v", err)
	}
	if diff := cmp.Diff(&Verification{Valid: true, Email: "a@b.com"}, v); diff != "" {
		t.Errorf("Verification mismatch (-want +got):\n%s", diff)
	}
}

// TestClient_GetMeCoalesces は同じトークンでの同時取得が1回のリクエストにまとめられることを検証する。
func TestClient_GetMeCoalesces(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1","email":"a@b.com","full_name":"A B"}`))
	}))
	t.Cleanup(ts.Close)

	client := NewClient(ts.URL, 5*time.Second)
	var wg sync.WaitGroup
	results := make([]*gate.Profile, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := client.GetMe(context.Background(), "same-token")
			if err != nil {
				t.Errorf("GetMe() error = %v", err)
				return
			}
			results[i] = p
		}(i)
	}

	deadline := time.After(5 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("リクエストが届かなかった")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("リクエスト回数 = %d, want 1", got)
	}
	for _, p := range results {
		if p == nil || p.ID != "u1" {
			t.Errorf("Profile = %+v", p)
		}
	}
	if results[0] == results[1] {
		t.Error("呼び出し元に同じポインタが返された")
	}
}

// TestClient_ServerError は2xx以外の応答がエラーになることを検証する。
func TestClient_ServerError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	client := NewClient(ts.URL, time.Second)
	if _, err := client.ValidateToken(context.Background(), "tok"); err == nil {
		t.Error("ValidateToken() でエラーが返されていない")
	}
	if _, err := client.GetMe(context.Background(), "tok"); err == nil || errors.Is(err, ErrUnauthorized) {
		t.Errorf("GetMe() error = %v", err)
	}
}
