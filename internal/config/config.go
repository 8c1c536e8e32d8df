// Package config はgatewayとauthorityの設定を読み込む。
//
// 既定値の上にYAMLファイル（任意）を重ね、さらに環境変数で上書きする。
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はサービス全体の設定値。
type Config struct {
	// Port はgatewayのリッスンポート。
	Port string `yaml:"port"`
	// AuthorityURL は認証局（トークン検証・プロフィール・決済検証）のベースURL。
	AuthorityURL string `yaml:"authority_url"`
	// DatabasePath はgatewayのプロジェクトDB（SQLite）のパス。
	DatabasePath string `yaml:"database_path"`
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string `yaml:"frontend_url"`
	// CookieSecure は認証Cookieにsecure属性を付与するかどうか。
	CookieSecure bool `yaml:"cookie_secure"`
	// VisitorTTL は最後のアクセスから訪問者の状態を破棄するまでの時間。
	VisitorTTL time.Duration `yaml:"visitor_ttl"`
	// AuthorityTimeout はauthority呼び出しのHTTPタイムアウト。
	AuthorityTimeout time.Duration `yaml:"authority_timeout"`
	// IntegrationTimeout はAPI連携テストで外部APIを呼び出す際のタイムアウト。
	IntegrationTimeout time.Duration `yaml:"integration_timeout"`
	// IntegrationAllowedNetworks はAPI連携テストで接続を許可する内部ネットワーク（CIDR）。
	// 既定ではループバックやプライベートアドレスへの接続を拒否する。
	IntegrationAllowedNetworks []string `yaml:"integration_allowed_networks"`
	// DevLogin は開発用ログイン（/auth/dev-login）を有効にするかどうか。
	DevLogin bool `yaml:"dev_login"`
	// LogLevel はzapのログレベル。
	LogLevel string `yaml:"log_level"`
	// NATSURL はセッションイベントの配信先。空ならログ出力のみ。
	NATSURL string `yaml:"nats_url"`

	// Authority は開発用認証局サービスの設定。
	Authority AuthorityConfig `yaml:"authority"`
}

// AuthorityConfig は開発用認証局サービスの設定値。
type AuthorityConfig struct {
	// Port は認証局のリッスンポート。
	Port string `yaml:"port"`
	// DatabasePath は認証局のDB（SQLite）のパス。
	DatabasePath string `yaml:"database_path"`
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string `yaml:"jwt_secret"`
	// AccessTTL はアクセストークンの有効期間。
	AccessTTL time.Duration `yaml:"access_ttl"`
	// RefreshTTL はリフレッシュトークンの有効期間。
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// Default は既定値を持つ設定を返す。
func Default() Config {
	return Config{
		Port:               "8080",
		AuthorityURL:       "http://localhost:8090",
		DatabasePath:       "/data/gateway.db",
		FrontendURL:        "http://localhost:3000",
		VisitorTTL:         24 * time.Hour,
		AuthorityTimeout:   10 * time.Second,
		IntegrationTimeout: 15 * time.Second,
		LogLevel:           "info",
		Authority: AuthorityConfig{
			Port:         "8090",
			DatabasePath: "/data/authority.db",
			JWTSecret:    "dev-secret-key",
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   7 * 24 * time.Hour,
		},
	}
}

// Load は設定を読み込む。pathが空ならYAMLファイルは読まない。
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv は環境変数で設定値を上書きする。
func (c *Config) applyEnv() error {
	c.Port = getEnvOr("PORT", c.Port)
	c.AuthorityURL = getEnvOr("AUTHORITY_URL", c.AuthorityURL)
	c.DatabasePath = getEnvOr("DATABASE_PATH", c.DatabasePath)
	c.FrontendURL = getEnvOr("FRONTEND_URL", c.FrontendURL)
	c.LogLevel = getEnvOr("LOG_LEVEL", c.LogLevel)
	c.NATSURL = getEnvOr("NATS_URL", c.NATSURL)
	c.Authority.Port = getEnvOr("AUTHORITY_PORT", c.Authority.Port)
	c.Authority.DatabasePath = getEnvOr("AUTHORITY_DATABASE_PATH", c.Authority.DatabasePath)
	c.Authority.JWTSecret = getEnvOr("JWT_SECRET", c.Authority.JWTSecret)

	flags := []struct {
		key string
		dst *bool
	}{
		{"COOKIE_SECURE", &c.CookieSecure},
		{"DEV_LOGIN", &c.DevLogin},
	}
	for _, f := range flags {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sの解析に失敗: %w", f.key, err)
		}
		*f.dst = b
	}

	if v := os.Getenv("INTEGRATION_ALLOWED_NETWORKS"); v != "" {
		c.IntegrationAllowedNetworks = strings.Split(v, ",")
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"VISITOR_TTL", &c.VisitorTTL},
		{"AUTHORITY_TIMEOUT", &c.AuthorityTimeout},
		{"INTEGRATION_TIMEOUT", &c.IntegrationTimeout},
		{"ACCESS_TOKEN_TTL", &c.Authority.AccessTTL},
		{"REFRESH_TOKEN_TTL", &c.Authority.RefreshTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sの解析に失敗: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate は設定値の整合性を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("portが空です"))
	}
	if c.AuthorityURL == "" {
		errs = append(errs, errors.New("authority_urlが空です"))
	}
	if c.VisitorTTL <= 0 {
		errs = append(errs, errors.New("visitor_ttlは正の値である必要があります"))
	}
	if _, err := c.AllowedNetworks(); err != nil {
		errs = append(errs, err)
	}
	if c.Authority.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secretが空です"))
	}
	if c.Authority.AccessTTL <= 0 || c.Authority.RefreshTTL <= 0 {
		errs = append(errs, errors.New("トークンの有効期間は正の値である必要があります"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

// AllowedNetworks はIntegrationAllowedNetworksを解析する。
func (c Config) AllowedNetworks() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.IntegrationAllowedNetworks))
	for _, n := range c.IntegrationAllowedNetworks {
		p, err := netip.ParsePrefix(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("integration_allowed_networksの解析に失敗: %w", err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
