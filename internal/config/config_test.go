package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// writeConfig はテスト用のYAML設定ファイルを一時ディレクトリに書き出す。
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sessiongate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
	}
	return path
}

// TestLoad はLoad関数を検証する。環境変数を操作するため並列実行しない。
func TestLoad(t *testing.T) {
	t.Run("ファイル指定なしの場合は既定値が返ること", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if diff := cmp.Diff(Default(), cfg); diff != "" {
			t.Errorf("設定が既定値と異なる (-want +got):\n%s", diff)
		}
	})

	t.Run("開発用ログインと内部ネットワークへの接続は既定で無効であること", func(t *testing.T) {
		cfg := Default()
		if cfg.DevLogin {
			t.Error("DevLoginが既定で有効になっている")
		}
		nets, err := cfg.AllowedNetworks()
		if err != nil {
			t.Fatalf("AllowedNetworks()でエラーが発生: %v", err)
		}
		if len(nets) != 0 {
			t.Errorf("AllowedNetworks() = %v, want empty", nets)
		}
	})

	t.Run("開発用ログインと許可ネットワークを設定できること", func(t *testing.T) {
		path := writeConfig(t, `
dev_login: true
integration_allowed_networks:
  - 10.0.0.0/8
`)
		t.Setenv("INTEGRATION_ALLOWED_NETWORKS", "127.0.0.0/8, 192.168.1.0/24")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if !cfg.DevLogin {
			t.Error("DevLogin = false, want true")
		}
		nets, err := cfg.AllowedNetworks()
		if err != nil {
			t.Fatalf("AllowedNetworks()でエラーが発生: %v", err)
		}
		want := []string{"127.0.0.0/8", "192.168.1.0/24"}
		got := make([]string, len(nets))
		for i, n := range nets {
			got[i] = n.String()
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("許可ネットワークが異なる (-want +got):\n%s", diff)
		}
	})

	t.Run("不正なCIDRでエラーが返ること", func(t *testing.T) {
		t.Setenv("INTEGRATION_ALLOWED_NETWORKS", "localhost")

		if _, err := Load(""); err == nil {
			t.Fatal("Load()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("YAMLの値が既定値を上書きすること", func(t *testing.T) {
		path := writeConfig(t, `
port: "9000"
authority_url: http://auth.internal:8090
visitor_ttl: 30m
cookie_secure: true
authority:
  jwt_secret: yaml-secret
  access_ttl: 5m
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}

		want := Default()
		want.Port = "9000"
		want.AuthorityURL = "http://auth.internal:8090"
		want.VisitorTTL = 30 * time.Minute
		want.CookieSecure = true
		want.Authority.JWTSecret = "yaml-secret"
		want.Authority.AccessTTL = 5 * time.Minute
		if diff := cmp.Diff(want, cfg); diff != "" {
			t.Errorf("設定が異なる (-want +got):\n%s", diff)
		}
	})

	t.Run("環境変数がYAMLより優先されること", func(t *testing.T) {
		path := writeConfig(t, "port: \"9000\"\n")
		t.Setenv("PORT", "9100")
		t.Setenv("VISITOR_TTL", "2h")
		t.Setenv("COOKIE_SECURE", "true")
		t.Setenv("NATS_URL", "nats://127.0.0.1:4222")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != "9100" {
			t.Errorf("Port = %q, want %q", cfg.Port, "9100")
		}
		if cfg.VisitorTTL != 2*time.Hour {
			t.Errorf("VisitorTTL = %v, want 2h", cfg.VisitorTTL)
		}
		if !cfg.CookieSecure {
			t.Error("CookieSecure = false, want true")
		}
		if cfg.NATSURL != "nats://127.0.0.1:4222" {
			t.Errorf("NATSURL = %q", cfg.NATSURL)
		}
	})

	t.Run("不正な期間の環境変数でエラーが返ること", func(t *testing.T) {
		t.Setenv("AUTHORITY_TIMEOUT", "soon")

		if _, err := Load(""); err == nil {
			t.Fatal("Load()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("存在しないファイルでエラーが返ること", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("Load()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("検証に失敗する値でエラーが返ること", func(t *testing.T) {
		path := writeConfig(t, "visitor_ttl: -1s\n")

		if _, err := Load(path); err == nil {
			t.Fatal("Load()がエラーを返すべきだが、nilが返った")
		}
	})
}
