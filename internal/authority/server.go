package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nao1215/sessiongate/internal/config"
	"github.com/nao1215/sessiongate/pkg/middleware"
	"go.uber.org/zap"
)

// checkoutTTL は決済セッションの有効期間。
const checkoutTTL = 24 * time.Hour

// checkoutTokenLength は決済トークンの長さ。
const checkoutTokenLength = 24

// devProvider は開発用トークンで作成したユーザーのプロバイダ名。
const devProvider = "dev"

// Server は開発用認証局のHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はユーザーと失効トークンのストア。
	store *store
	// db はSQLiteデータベース接続。
	db *sql.DB
	// cfg はトークン発行の設定。
	cfg config.AuthorityConfig
	// logger は構造化ロガー。
	logger *zap.Logger
	// now は現在時刻を返す。
	now func() time.Time
}

// NewServer は新しい認証局サーバーを生成する。
func NewServer(ctx context.Context, cfg config.AuthorityConfig, logger *zap.Logger) (*Server, error) {
	db, err := openDB(ctx, cfg.DatabasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", logger)
	if err != nil {
		return nil, err
	}
	return newServer(db, cfg, logger), nil
}

func newServer(db *sql.DB, cfg config.AuthorityConfig, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))

	s := &Server{
		router: router,
		port:   cfg.Port,
		store:  &store{db: db},
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run は期限切れの失効記録を削除してからHTTPサーバーを起動する。
func (s *Server) Run(ctx context.Context) error {
	defer s.db.Close()

	if n, err := s.store.purgeRevoked(ctx, s.now()); err != nil {
		s.logger.Warn("失効記録の削除に失敗しました", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("期限切れの失効記録を削除しました", zap.Int64("count", n))
	}
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		// 開発用トークン発行
		auth.POST("/dev-token", s.handleDevToken())
		auth.POST("/validate", s.handleValidate())
		auth.POST("/logout", s.handleLogout())
		auth.GET("/me", middleware.JWTAuth(s.cfg.JWTSecret, s.revoked), s.handleMe())
	}

	payments := s.router.Group("/payments")
	{
		payments.POST("/checkout", middleware.JWTAuth(s.cfg.JWTSecret, s.revoked), s.handleCheckout())
		payments.POST("/verify", s.handleVerify())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "authority"})
	})
}

// revoked はトークンIDが失効済みかどうかを返す。判定できない場合は失効扱いとする。
func (s *Server) revoked(c *gin.Context, tokenID string) bool {
	revoked, err := s.store.isRevoked(c.Request.Context(), tokenID)
	if err != nil {
		s.logger.Error("失効状態の確認に失敗しました", zap.Error(err))
		return true
	}
	return revoked
}

// devTokenRequest は開発用トークン発行のリクエスト。省略時は既定の開発ユーザーを使う。
type devTokenRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Photo    string `json:"photo"`
}

// TokenPair は発行したトークンの組。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

// handleDevToken は開発用のトークンの組を発行するハンドラを返す。
// 本番環境では無効化すべき。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
				return
			}
		}
		if req.Email == "" {
			req.Email = "dev@localhost"
		}
		if req.FullName == "" {
			req.FullName = "開発ユーザー"
		}

		ctx := c.Request.Context()
		user, err := s.store.getUserByProvider(ctx, devProvider, req.Email)
		switch {
		case errors.Is(err, ErrNotFound):
			user = &User{
				ID:             uuid.New().String(),
				Provider:       devProvider,
				ProviderUserID: req.Email,
				Email:          req.Email,
				FullName:       req.FullName,
				PhotoURL:       req.Photo,
			}
			if err := s.store.createUser(ctx, user); err != nil {
				s.logger.Error("開発ユーザーの作成に失敗しました", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー作成に失敗しました"})
				return
			}
		case err != nil:
			s.logger.Error("開発ユーザーの取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー取得に失敗しました"})
			return
		default:
			if err := s.store.updateLastLogin(ctx, user.ID); err != nil {
				s.logger.Warn("最終ログイン日時の更新に失敗しました", zap.Error(err))
			}
		}

		pair, err := s.issue(user)
		if err != nil {
			s.logger.Error("トークン生成に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, pair)
	}
}

// issue はユーザーにアクセストークンとリフレッシュトークンを発行する。
func (s *Server) issue(u *User) (*TokenPair, error) {
	access, _, err := middleware.GenerateJWT(s.cfg.JWTSecret, middleware.TokenTypeAccess, u.ID, u.Email, s.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの生成に失敗: %w", err)
	}
	refresh, _, err := middleware.GenerateJWT(s.cfg.JWTSecret, middleware.TokenTypeRefresh, u.ID, u.Email, s.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの生成に失敗: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, UserID: u.ID}, nil
}

// tokenRequest はトークン1つを受け取るリクエスト。
type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// handleValidate はアクセストークンの署名・有効期限・失効状態を検証するハンドラを返す。
// 無効なトークンも200で{"valid": false}を返す。
func (s *Server) handleValidate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tokenは必須です"})
			return
		}

		claims, err := middleware.ParseJWT(s.cfg.JWTSecret, req.Token, middleware.TokenTypeAccess)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"valid": false})
			return
		}
		revoked, err := s.store.isRevoked(c.Request.Context(), claims.ID)
		if err != nil {
			s.logger.Error("失効状態の確認に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン検証に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": !revoked})
	}
}

// handleMe は認証済みユーザーのプロフィールを返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		user, err := s.store.getUserByID(c.Request.Context(), userID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			s.logger.Error("ユーザーの取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー取得に失敗しました"})
			return
		}

		var photo *string
		if user.PhotoURL != "" {
			photo = &user.PhotoURL
		}
		c.JSON(http.StatusOK, gin.H{
			"id":        user.ID,
			"email":     user.Email,
			"full_name": user.FullName,
			"photo":     photo,
		})
	}
}

// logoutRequest はログアウトのリクエスト。
type logoutRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// handleLogout は受け取ったトークンを失効させるハンドラを返す。
// 解析できないトークンや期限切れのトークンは無視する。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req logoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		revoked := 0
		for _, tok := range []struct {
			value string
			typ   middleware.TokenType
		}{
			{req.AccessToken, middleware.TokenTypeAccess},
			{req.RefreshToken, middleware.TokenTypeRefresh},
		} {
			if tok.value == "" {
				continue
			}
			claims, err := middleware.ParseJWT(s.cfg.JWTSecret, tok.value, tok.typ)
			if err != nil {
				continue
			}
			if err := s.store.revokeToken(c.Request.Context(), claims.ID, claims.UserID, claims.ExpiresAt.Time); err != nil {
				s.logger.Error("トークンの失効に失敗しました", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ログアウトに失敗しました"})
				return
			}
			revoked++
		}
		c.JSON(http.StatusOK, gin.H{"revoked": revoked})
	}
}

// checkoutRequest は決済セッション作成のリクエスト。
type checkoutRequest struct {
	PlanType string `json:"plan_type" binding:"required"`
}

// handleCheckout は認証済みユーザーの決済セッションを作成するハンドラを返す。
// 返すURLは決済完了後のコールバックパス。
func (s *Server) handleCheckout() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "plan_typeは必須です"})
			return
		}

		token, err := gonanoid.New(checkoutTokenLength)
		if err != nil {
			s.logger.Error("決済トークンの生成に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "決済セッションの作成に失敗しました"})
			return
		}
		cs := &CheckoutSession{
			Token:     token,
			UserID:    middleware.GetUserID(c),
			Email:     middleware.GetEmail(c),
			PlanType:  strings.TrimSpace(req.PlanType),
			ExpiresAt: s.now().Add(checkoutTTL),
		}
		if err := s.store.createCheckout(c.Request.Context(), cs); err != nil {
			s.logger.Error("決済セッションの作成に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "決済セッションの作成に失敗しました"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"token":        cs.Token,
			"success_path": "/success/" + cs.Token,
			"expires_at":   cs.ExpiresAt.UTC(),
		})
	}
}

// handleVerify は決済トークンを検証するハンドラを返す。
// 存在しないまたは期限切れのトークンは200で{"valid": false}を返す。
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tokenは必須です"})
			return
		}

		cs, err := s.store.getCheckout(c.Request.Context(), req.Token)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"valid": false})
			return
		}
		if err != nil {
			s.logger.Error("決済セッションの取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "決済トークンの検証に失敗しました"})
			return
		}
		if !s.now().Before(cs.ExpiresAt) {
			c.JSON(http.StatusOK, gin.H{"valid": false})
			return
		}

		resp := gin.H{"valid": true, "email": cs.Email}
		if cs.PlanType != "" {
			resp["plan_type"] = cs.PlanType
		}
		c.JSON(http.StatusOK, resp)
	}
}
