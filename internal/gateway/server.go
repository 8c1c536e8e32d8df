package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/sessiongate/internal/audit"
	"github.com/nao1215/sessiongate/internal/authority"
	"github.com/nao1215/sessiongate/internal/config"
	"github.com/nao1215/sessiongate/internal/gate"
	"github.com/nao1215/sessiongate/internal/integration"
	"github.com/nao1215/sessiongate/internal/project"
	"github.com/nao1215/sessiongate/internal/view"
	"github.com/nao1215/sessiongate/pkg/middleware"
	"go.uber.org/zap"
)

// janitorInterval は期限切れの訪問者を破棄する間隔。
const janitorInterval = time.Minute

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// TokenIssuer は開発用のトークンの組を発行する。
type TokenIssuer interface {
	DevToken(ctx context.Context, email, fullName string) (*authority.TokenPair, error)
}

// Deps はサーバーが使用する外部の協力者。
type Deps struct {
	// Authority はトークン検証とプロフィール取得を行う認証局。
	Authority gate.Authority
	// Verifier は決済トークンを検証する。
	Verifier authority.PaymentVerifier
	// Tokens は開発用ログインでトークンを発行する。
	Tokens TokenIssuer
	// Projects はプロジェクトのストア。
	Projects *project.Store
	// Publisher はセッションイベントの配信先。
	Publisher audit.Publisher
}

// Server はセッションゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg config.Config
	// registry は訪問者ごとのゲート。
	registry *gate.Registry
	// deps は外部の協力者。
	deps Deps
	// tester は外部API連携の試行を行う。
	tester *integration.Tester
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は設定から協力者を構築して新しいゲートウェイサーバーを生成する。
func NewServer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	projects, err := project.Open(ctx, cfg.DatabasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", logger)
	if err != nil {
		return nil, err
	}

	var publisher audit.Publisher = audit.NewLogPublisher(logger)
	if cfg.NATSURL != "" {
		nats, err := audit.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			_ = projects.Close()
			return nil, err
		}
		publisher = nats
	}

	client := authority.NewClient(cfg.AuthorityURL, cfg.AuthorityTimeout)
	return newServer(cfg, Deps{
		Authority: client,
		Verifier:  client,
		Tokens:    client,
		Projects:  projects,
		Publisher: publisher,
	}, logger)
}

func newServer(cfg config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	tmpl, err := view.Parse()
	if err != nil {
		return nil, err
	}
	allowed, err := cfg.AllowedNetworks()
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))
	router.SetHTMLTemplate(tmpl)

	s := &Server{
		router: router,
		cfg:    cfg,
		deps:   deps,
		tester: integration.NewTester(cfg.IntegrationTimeout, logger, integration.WithAllowedNetworks(allowed...)),
		logger: logger,
	}
	s.registry = gate.NewRegistry(cfg.VisitorTTL, s.newGate)
	s.setupRoutes()
	return s, nil
}

// newGate は訪問者のゲートを生成する。
func (s *Server) newGate(visitorID string) *gate.Gate {
	return gate.New(s.deps.Authority,
		gate.WithLogger(s.logger.With(zap.String("visitor_id", visitorID))),
		gate.WithObserver(audit.Observer(s.deps.Publisher, visitorID, s.logger)),
	)
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了したらグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.registry.RunJanitor(janitorCtx, janitorInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("ゲートウェイを起動しました", zap.String("port", s.cfg.Port))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// close は協力者との接続を閉じる。
func (s *Server) close() {
	if err := s.deps.Publisher.Close(); err != nil {
		s.logger.Warn("イベント配信先のクローズに失敗しました", zap.Error(err))
	}
	if err := s.deps.Projects.Close(); err != nil {
		s.logger.Warn("プロジェクトDBのクローズに失敗しました", zap.Error(err))
	}
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.Use(s.visitor())

	auth := s.router.Group("/auth")
	{
		auth.POST("/logout", s.handleLogout())
		if s.cfg.DevLogin {
			// 開発用ログイン
			auth.POST("/dev-login", s.handleDevLogin())
		}
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/gate", s.handleGate())

		session := api.Group("", s.requireSession())
		{
			state := session.Group("/state")
			{
				state.GET("", s.handleGetState())
				state.PUT("/project", s.handleSelectProject())
				state.POST("/project/reload", s.handleReload())
				state.PUT("/project/modal", s.handleProjectModal())
				state.PUT("/signals", s.handleSignals())
			}

			project.NewHandlers(s.deps.Projects, s.logger, s.onProjectCreated).Register(session)

			session.POST("/integrations/try", s.tester.Handler())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway", "visitors": s.registry.Len()})
	})

	// 上記以外のパスはすべてページ遷移としてゲートを通す
	s.router.NoRoute(s.handlePage())
}

// onProjectCreated はプロジェクト作成後にサイドバーの再読み込みを要求し、作成モーダルを閉じる。
func (s *Server) onProjectCreated(c *gin.Context, p *project.Project) {
	if g, ok := gateFrom(c); ok {
		g.TriggerReload()
		g.SetCreateProjectModalOpen(false)
	}
	if err := audit.ProjectCreated(c.Request.Context(), s.deps.Publisher, p.ID, p.UserID, p.Name); err != nil {
		s.logger.Warn("プロジェクト作成イベントの配信に失敗しました", zap.Error(err))
	}
}
