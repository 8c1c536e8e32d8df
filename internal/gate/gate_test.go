package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nao1215/sessiongate/internal/route"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestEvaluate_PassThrough は許可リスト外のパスが認証局を呼ばずに素通しされることを検証する。
func TestEvaluate_PassThrough(t *testing.T) {
	t.Parallel()

	for _, creds := range []*fakeCreds{newCreds("", ""), newCreds("a", "r")} {
		auth := &fakeAuthority{}
		g := New(auth)

		out, err := g.Evaluate(context.Background(), "/dashboard", creds)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if out.Kind != PassThrough {
			t.Errorf("Kind = %v, want %v", out.Kind, PassThrough)
		}
		if out.Layout != route.LayoutNone {
			t.Errorf("Layout = %v, want %v", out.Layout, route.LayoutNone)
		}
		if n := auth.validateCalls.Load() + auth.getMeCalls.Load(); n != 0 {
			t.Errorf("認証局が %d 回呼ばれた", n)
		}
		if creds.clearCount() != 0 {
			t.Error("認証情報が消去された")
		}
		if g.Resolved() {
			t.Error("素通しでは解決済みにならないはず")
		}
	}
}

// TestEvaluate_ValidSession はトークンが有効な場合にセッションが公開されることを検証する。
func TestEvaluate_ValidSession(t *testing.T) {
	t.Parallel()

	t.Run("フォームは2ペインで描画される", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuthority{}
		g := New(auth)
		if g.Resolved() {
			t.Fatal("評価前に解決済みになっている")
		}

		out, err := g.Evaluate(context.Background(), "/form", newCreds("a", "r"))
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if out.Kind != Render || out.Layout != route.LayoutTwoPane {
			t.Errorf("Outcome = %+v, want Render/two_pane", out)
		}

		want := View{
			Resolved: true,
			Session:  Session{UserID: "u1", Email: "a@b.com", FullName: "A B"},
		}
		if diff := cmp.Diff(want, g.View()); diff != "" {
			t.Errorf("View mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("トップは1カラムで描画される", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuthority{
			getMe: func(context.Context, string) (*Profile, error) {
				return &Profile{ID: "u2", Email: "c@d.com", FullName: "Carol", Photo: strPtr("https://example.com/p.png")}, nil
			},
		}
		g := New(auth)

		out, err := g.Evaluate(context.Background(), "/", newCreds("a", "r"))
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if out.Kind != Render || out.Layout != route.LayoutSingleColumn {
			t.Errorf("Outcome = %+v, want Render/single_column", out)
		}
		got := g.View().Session
		if got.Photo == nil || *got.Photo != "https://example.com/p.png" {
			t.Errorf("Photo = %v", got.Photo)
		}
	})

	t.Run("決済コールバックは1カラムで描画される", func(t *testing.T) {
		t.Parallel()

		g := New(&fakeAuthority{})
		out, err := g.Evaluate(context.Background(), "/success/cs_1", newCreds("a", "r"))
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if out.Kind != Render || out.Layout != route.LayoutSingleColumn {
			t.Errorf("Outcome = %+v, want Render/single_column", out)
		}
	})

	t.Run("同じ認証情報での再評価は同一のセッションになる", func(t *testing.T) {
		t.Parallel()

		g := New(&fakeAuthority{})
		creds := newCreds("a", "r")
		if _, err := g.Evaluate(context.Background(), "/form", creds); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		first := g.View()
		if _, err := g.Evaluate(context.Background(), "/form", creds); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if diff := cmp.Diff(first, g.View()); diff != "" {
			t.Errorf("再評価でViewが変化した (-first +second):\n%s", diff)
		}
	})
}

// TestEvaluate_MissingCredentials はトークンが欠けている場合にトップへ遷移することを検証する。
func TestEvaluate_MissingCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		access  string
		refresh string
	}{
		{name: "両方無い", access: "", refresh: ""},
		{name: "アクセストークンのみ", access: "a", refresh: ""},
		{name: "リフレッシュトークンのみ", access: "", refresh: "r"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			auth := &fakeAuthority{}
			g := New(auth)
			out, err := g.Evaluate(context.Background(), "/form", newCreds(tt.access, tt.refresh))
			if err != nil {
				t.Fatalf("予期しないエラー: %v", err)
			}
			if out.Kind != Redirect || out.Location != "/" {
				t.Errorf("Outcome = %+v, want Redirect to /", out)
			}
			if n := auth.validateCalls.Load() + auth.getMeCalls.Load(); n != 0 {
				t.Errorf("認証局が %d 回呼ばれた", n)
			}
			v := g.View()
			if !v.Resolved || !v.Session.Empty() {
				t.Errorf("View = %+v, want resolved with empty session", v)
			}
		})
	}

	t.Run("トップではリダイレクトせず空のセッションで描画する", func(t *testing.T) {
		t.Parallel()

		g := New(&fakeAuthority{})
		out, err := g.Evaluate(context.Background(), "/", newCreds("", ""))
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if out.Kind != Render || out.Location != "" {
			t.Errorf("Outcome = %+v, want Render without location", out)
		}
		if !g.View().Session.Empty() {
			t.Error("セッションが空ではない")
		}
	})
}

// TestEvaluate_Logout は検証失敗時にログアウトへ収束することを検証する。
func TestEvaluate_Logout(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	tests := []struct {
		name      string
		auth      *fakeAuthority
		wantGetMe int32
	}{
		{
			name: "トークンが無効",
			auth: &fakeAuthority{validate: func(context.Context, string) (bool, error) { return false, nil }},
		},
		{
			name: "トークン検証でエラー",
			auth: &fakeAuthority{validate: func(context.Context, string) (bool, error) { return false, errBoom }},
		},
		{
			name:      "プロフィール取得でエラー",
			auth:      &fakeAuthority{getMe: func(context.Context, string) (*Profile, error) { return nil, errBoom }},
			wantGetMe: 1,
		},
		{
			name:      "プロフィールが空",
			auth:      &fakeAuthority{getMe: func(context.Context, string) (*Profile, error) { return nil, nil }},
			wantGetMe: 1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zap.WarnLevel)
			var notices []Notice
			g := New(tt.auth, WithLogger(zap.New(core)), WithObserver(func(n Notice) {
				notices = append(notices, n)
			}))
			creds := newCreds("a", "r")

			out, err := g.Evaluate(context.Background(), "/form/p1", creds)
			if err != nil {
				t.Fatalf("失敗はユーザーに返らないはず: %v", err)
			}
			if out.Kind != Redirect || out.Location != "/" {
				t.Errorf("Outcome = %+v, want Redirect to /", out)
			}
			if creds.clearCount() != 1 {
				t.Errorf("Clear回数 = %d, want 1", creds.clearCount())
			}
			if a, r := creds.Credentials(); a != "" || r != "" {
				t.Error("認証情報が残っている")
			}
			if got := tt.auth.getMeCalls.Load(); got != tt.wantGetMe {
				t.Errorf("GetMe回数 = %d, want %d", got, tt.wantGetMe)
			}
			v := g.View()
			if !v.Resolved || !v.Session.Empty() {
				t.Errorf("View = %+v, want resolved with empty session", v)
			}
			if logs.Len() == 0 {
				t.Error("失敗がログに記録されていない")
			}
			if len(notices) != 1 || notices[0].Kind != NoticeCleared || notices[0].Reason == nil {
				t.Errorf("notices = %+v", notices)
			}
		})
	}

	t.Run("確立済みのセッションも4項目すべて消去される", func(t *testing.T) {
		t.Parallel()

		valid := true
		var mu sync.Mutex
		auth := &fakeAuthority{
			validate: func(context.Context, string) (bool, error) {
				mu.Lock()
				defer mu.Unlock()
				return valid, nil
			},
			getMe: func(context.Context, string) (*Profile, error) {
				return &Profile{ID: "u1", Email: "a@b.com", FullName: "A B", Photo: strPtr("p")}, nil
			},
		}
		g := New(auth)
		if _, err := g.Evaluate(context.Background(), "/form", newCreds("a", "r")); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		mu.Lock()
		valid = false
		mu.Unlock()

		if _, err := g.Evaluate(context.Background(), "/form", newCreds("a", "r")); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if diff := cmp.Diff(Session{}, g.View().Session); diff != "" {
			t.Errorf("Session mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("トップでの失敗はリダイレクトしない", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuthority{validate: func(context.Context, string) (bool, error) { return false, nil }}
		g := New(auth)
		creds := newCreds("a", "r")
		out, err := g.Evaluate(context.Background(), "/", creds)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if out.Kind != Render {
			t.Errorf("Kind = %v, want %v", out.Kind, Render)
		}
		if creds.clearCount() != 1 {
			t.Errorf("Clear回数 = %d, want 1", creds.clearCount())
		}
	})
}

// TestEvaluate_Superseded は古い世代の結果が状態を書き換えないことを検証する。
func TestEvaluate_Superseded(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	auth := &fakeAuthority{
		getMe: func(ctx context.Context, token string) (*Profile, error) {
			if token == "slow" {
				close(started)
				<-release
				return &Profile{ID: "stale", Email: "old@b.com", FullName: "Old"}, nil
			}
			return &Profile{ID: "u1", Email: "a@b.com", FullName: "A B"}, nil
		},
	}
	g := New(auth)
	slowCreds := newCreds("slow", "r")

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := g.Evaluate(context.Background(), "/form", slowCreds)
		done <- result{out, err}
	}()
	<-started

	out, err := g.Evaluate(context.Background(), "/", newCreds("fast", "r"))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if out.Kind != Render {
		t.Errorf("Kind = %v, want %v", out.Kind, Render)
	}

	close(release)
	res := <-done
	if !errors.Is(res.err, ErrSuperseded) {
		t.Errorf("err = %v, want ErrSuperseded", res.err)
	}
	if res.out.Kind != Superseded {
		t.Errorf("Kind = %v, want %v", res.out.Kind, Superseded)
	}
	if got := g.View().Session.UserID; got != "u1" {
		t.Errorf("UserID = %q, 古い世代の結果が書き込まれた", got)
	}
	if slowCreds.clearCount() != 0 {
		t.Error("古い世代が認証情報を消去した")
	}
}

// TestEvaluate_SupersededCancelsContext は新しい評価が前の評価のコンテキストをキャンセルすることを検証する。
func TestEvaluate_SupersededCancelsContext(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	auth := &fakeAuthority{
		validate: func(ctx context.Context, token string) (bool, error) {
			if token == "slow" {
				close(started)
				<-ctx.Done()
				return false, ctx.Err()
			}
			return true, nil
		},
	}
	g := New(auth)
	slowCreds := newCreds("slow", "r")

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Evaluate(context.Background(), "/form", slowCreds)
		errCh <- err
	}()
	<-started

	if _, err := g.Evaluate(context.Background(), "/dashboard", newCreds("", "")); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("err = %v, want ErrSuperseded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("前の評価がキャンセルされなかった")
	}
	if slowCreds.clearCount() != 0 {
		t.Error("追い越された評価がログアウトした")
	}
	if g.Resolved() {
		t.Error("追い越された評価が解決済みにした")
	}
}

// TestEvaluate_CallerCanceled は呼び出し元の終了時に状態を変更しないことを検証する。
func TestEvaluate_CallerCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	auth := &fakeAuthority{
		validate: func(context.Context, string) (bool, error) {
			cancel()
			return false, context.Canceled
		},
	}
	g := New(auth)
	creds := newCreds("a", "r")

	_, err := g.Evaluate(ctx, "/form", creds)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if creds.clearCount() != 0 {
		t.Error("呼び出し元の終了でログアウトした")
	}
	if g.Resolved() {
		t.Error("呼び出し元の終了で解決済みになった")
	}
}

// TestLogout は明示的なログアウトを検証する。
func TestLogout(t *testing.T) {
	t.Parallel()

	t.Run("認証局の応答に関係なくローカルの状態を消去する", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuthority{logout: func(context.Context, string, string) error { return errors.New("down") }}
		g := New(auth)
		creds := newCreds("a", "r")
		if _, err := g.Evaluate(context.Background(), "/form", creds); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}

		if err := g.Logout(context.Background(), creds); err == nil {
			t.Error("認証局のエラーが返されていない")
		}
		if auth.logoutCalls.Load() != 1 {
			t.Errorf("Logout回数 = %d, want 1", auth.logoutCalls.Load())
		}
		if !g.View().Session.Empty() {
			t.Error("セッションが残っている")
		}
		if a, r := creds.Credentials(); a != "" || r != "" {
			t.Error("認証情報が残っている")
		}
	})

	t.Run("認証情報が無ければ認証局を呼ばない", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuthority{}
		g := New(auth)
		if err := g.Logout(context.Background(), newCreds("", "")); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if auth.logoutCalls.Load() != 0 {
			t.Error("認証局が呼ばれた")
		}
	})
}

// TestLogout_Superseded はログアウト中に新しい評価が始まった場合に状態を書き換えないことを検証する。
func TestLogout_Superseded(t *testing.T) {
	t.Parallel()

	var g *Gate
	auth := &fakeAuthority{}
	auth.logout = func(context.Context, string, string) error {
		// 認証局の応答待ちの間に別タブで遷移した
		if _, err := g.Evaluate(context.Background(), "/form", newCreds("other", "r")); err != nil {
			t.Errorf("予期しないエラー: %v", err)
		}
		return nil
	}
	var notices []Notice
	g = New(auth, WithObserver(func(n Notice) { notices = append(notices, n) }))
	creds := newCreds("a", "r")

	if err := g.Logout(context.Background(), creds); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if got := g.View().Session.UserID; got != "u1" {
		t.Errorf("UserID = %q, 新しい評価の結果が上書きされた", got)
	}
	if _, ok := g.SessionFor("other"); !ok {
		t.Error("新しい評価のセッションがトークンに紐付いていない")
	}
	if a, r := creds.Credentials(); a != "" || r != "" {
		t.Error("認証情報が残っている")
	}
	for _, n := range notices {
		if n.Kind == NoticeCleared {
			t.Errorf("状態を消去していないのにNoticeClearedを通知した: %+v", n)
		}
	}
}

// TestSessionFor はセッションが導出元のアクセストークンに紐付くことを検証する。
func TestSessionFor(t *testing.T) {
	t.Parallel()

	t.Run("評価に使ったトークンでのみセッションを返す", func(t *testing.T) {
		t.Parallel()

		g := New(&fakeAuthority{})
		if _, err := g.Evaluate(context.Background(), "/form", newCreds("a", "r")); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}

		got, ok := g.SessionFor("a")
		if !ok || got.UserID != "u1" {
			t.Errorf("SessionFor(a) = %+v, %v", got, ok)
		}
		if _, ok := g.SessionFor("forged"); ok {
			t.Error("別のトークンでセッションが返された")
		}
		if _, ok := g.SessionFor(""); ok {
			t.Error("空のトークンでセッションが返された")
		}
	})

	t.Run("ログアウト後は同じトークンでも返さない", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuthority{validate: func(_ context.Context, token string) (bool, error) { return token == "a", nil }}
		g := New(auth)
		if _, err := g.Evaluate(context.Background(), "/form", newCreds("a", "r")); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if _, err := g.Evaluate(context.Background(), "/form", newCreds("revoked", "r")); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if _, ok := g.SessionFor("a"); ok {
			t.Error("ログアウト後にセッションが返された")
		}
	})

	t.Run("未評価のゲートはセッションを返さない", func(t *testing.T) {
		t.Parallel()

		if _, ok := New(&fakeAuthority{}).SessionFor(""); ok {
			t.Error("未評価のゲートでセッションが返された")
		}
	})
}

// TestHandles は状態更新ハンドルを検証する。
func TestHandles(t *testing.T) {
	t.Parallel()

	g := New(&fakeAuthority{})

	g.SelectProject("p1")
	if got := g.View().Project.SelectedProjectID; got == nil || *got != "p1" {
		t.Errorf("SelectedProjectID = %v, want p1", got)
	}
	g.SelectProject("")
	if got := g.View().Project.SelectedProjectID; got != nil {
		t.Errorf("SelectedProjectID = %v, want nil", *got)
	}

	if got := g.TriggerReload(); got != 1 {
		t.Errorf("TriggerReload() = %d, want 1", got)
	}
	if got := g.TriggerReload(); got != 2 {
		t.Errorf("TriggerReload() = %d, want 2", got)
	}

	g.SetCreateProjectModalOpen(true)
	g.SetAuthModalOpen(true)
	g.SetTargetSection("pricing")

	want := View{
		Project: ProjectState{ReloadSignal: 2, CreateModalOpen: true},
		Signals: Signals{AuthModalOpen: true, TargetSection: strPtr("pricing")},
	}
	if diff := cmp.Diff(want, g.View()); diff != "" {
		t.Errorf("View mismatch (-want +got):\n%s", diff)
	}

	g.SetTargetSection("")
	if g.View().Signals.TargetSection != nil {
		t.Error("TargetSectionが解除されていない")
	}
}

// TestView_IsCopy はViewの変更がゲートの状態に影響しないことを検証する。
func TestView_IsCopy(t *testing.T) {
	t.Parallel()

	g := New(&fakeAuthority{
		getMe: func(context.Context, string) (*Profile, error) {
			return &Profile{ID: "u1", Photo: strPtr("original")}, nil
		},
	})
	if _, err := g.Evaluate(context.Background(), "/form", newCreds("a", "r")); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	g.SelectProject("p1")

	v := g.View()
	*v.Session.Photo = "changed"
	*v.Project.SelectedProjectID = "changed"

	again := g.View()
	if *again.Session.Photo != "original" {
		t.Error("Photoが外部から変更された")
	}
	if *again.Project.SelectedProjectID != "p1" {
		t.Error("SelectedProjectIDが外部から変更された")
	}
}

// TestSession_Initials は表示名の頭文字を検証する。
func TestSession_Initials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fullName string
		want     string
	}{
		{"A B", "AB"},
		{"alice bob carol", "AB"},
		{"alice", "A"},
		{"", ""},
		{"  spaced   name  ", "SN"},
		{"山田 太郎", "山太"},
	}
	for _, tt := range tests {
		tt := tt
		if got := (Session{FullName: tt.fullName}).Initials(); got != tt.want {
			t.Errorf("Initials(%q) = %q, want %q", tt.fullName, got, tt.want)
		}
	}
}

// TestEvaluate_Concurrent は同時評価で最後の評価結果のみが反映されることを検証する。
func TestEvaluate_Concurrent(t *testing.T) {
	t.Parallel()

	g := New(&fakeAuthority{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Evaluate(context.Background(), "/form", newCreds("a", "r"))
			if err != nil && !errors.Is(err, ErrSuperseded) {
				t.Errorf("予期しないエラー: %v", err)
			}
		}()
		_ = g.View()
	}
	wg.Wait()

	if _, err := g.Evaluate(context.Background(), "/form", newCreds("a", "r")); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if got := g.View().Session.UserID; got != "u1" {
		t.Errorf("UserID = %q, want u1", got)
	}
}
