package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/sessiongate/internal/gate"
	"github.com/nao1215/sessiongate/internal/route"
	"github.com/nao1215/sessiongate/internal/view"
	"github.com/nao1215/sessiongate/pkg/middleware"
	"go.uber.org/zap"
)

// Context keys.
const (
	contextKeyVisitorID = "visitor_id"
	contextKeyGate      = "gate"
)

// visitor は訪問者IDをコンテキストに設定するミドルウェアを返す。
func (s *Server) visitor() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(contextKeyVisitorID, visitorID(c, s.cfg.CookieSecure, s.cfg.VisitorTTL))
		c.Next()
	}
}

// credentials はリクエストのCookieに保存された認証情報を返す。
func (s *Server) credentials(c *gin.Context) *cookieCredentials {
	return &cookieCredentials{c: c, secure: s.cfg.CookieSecure}
}

// gateFor は訪問者のゲートを返す。
func (s *Server) gateFor(c *gin.Context) *gate.Gate {
	return s.registry.Get(c.GetString(contextKeyVisitorID))
}

// gateFrom はrequireSessionが設定したゲートを返す。
func gateFrom(c *gin.Context) (*gate.Gate, bool) {
	v, ok := c.Get(contextKeyGate)
	if !ok {
		return nil, false
	}
	g, ok := v.(*gate.Gate)
	return g, ok
}

// requireSession は確立済みのセッションを要求するミドルウェアを返す。
// セッションはCookieのアクセストークンから導出されたものに限る。
// 成功した場合、コンテキストにゲートとユーザー情報を設定する。
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		g, ok := s.registry.Lookup(c.GetString(contextKeyVisitorID))
		access, refresh := s.credentials(c).Credentials()
		if !ok || access == "" || refresh == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "セッションがありません"})
			return
		}
		session, ok := g.SessionFor(access)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "セッションがありません"})
			return
		}

		c.Set(contextKeyGate, g)
		middleware.SetIdentity(c, session.UserID, session.Email)
		c.Next()
	}
}

// handlePage はページ遷移をゲートで評価し、結果に応じたシェルを描画するハンドラを返す。
func (s *Server) handlePage() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if (c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) ||
			strings.HasPrefix(path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "見つかりません"})
			return
		}

		if !route.Classify(path).Gated() {
			// 実行中の評価があれば追い越す。ゲートが無い訪問者には生成しない
			if g, ok := s.registry.Lookup(c.GetString(contextKeyVisitorID)); ok {
				_, _ = g.Evaluate(c.Request.Context(), path, s.credentials(c))
			}
			c.HTML(http.StatusOK, view.Bare, view.Page{Path: path})
			return
		}

		g := s.gateFor(c)
		out, err := g.Evaluate(c.Request.Context(), path, s.credentials(c))
		switch {
		case errors.Is(err, gate.ErrSuperseded):
			c.HTML(http.StatusOK, view.Loading, view.Page{Path: path})
			return
		case err != nil:
			// 呼び出し元が切断した
			c.Status(http.StatusRequestTimeout)
			return
		}

		switch out.Kind {
		case gate.Redirect:
			c.Redirect(http.StatusFound, out.Location)
		default:
			page := view.NewPage(path, g.View())
			page.Query = c.Query("q")
			switch out.Class {
			case route.Form:
				s.prepareForm(c, g, &page)
			case route.SuccessCallback:
				if s.handleSuccess(c, path, &page) {
					return
				}
			}
			c.HTML(http.StatusOK, view.Name(out.Layout), page)
		}
	}
}

// prepareForm はクエリで指定されたプロジェクトを選択し、サイドバーのプロジェクト一覧を読み込む。
func (s *Server) prepareForm(c *gin.Context, g *gate.Gate, page *view.Page) {
	if id := c.Query("project"); id != "" {
		g.SelectProject(id)
		page.View = g.View()
	}

	userID := page.View.Session.UserID
	if userID == "" {
		return
	}
	projects, err := s.deps.Projects.List(c.Request.Context(), userID, page.Query)
	if err != nil {
		s.logger.Warn("サイドバーのプロジェクト一覧の取得に失敗しました", zap.String("user_id", userID), zap.Error(err))
		return
	}
	page.Projects = projects
}

// handleSuccess は決済完了のコールバックを処理する。レスポンスを書き込んだ場合はtrueを返す。
// 決済トークンが有効でログイン中のユーザーと同じメールアドレスなら、プラン情報付きでフォームへ遷移させる。
func (s *Server) handleSuccess(c *gin.Context, path string, page *view.Page) bool {
	token, ok := route.SuccessToken(path)
	if !ok {
		c.Redirect(http.StatusFound, route.HomePath)
		return true
	}

	v, err := s.deps.Verifier.VerifySessionToken(c.Request.Context(), token)
	if err != nil {
		s.logger.Warn("決済トークンの検証に失敗しました", zap.Error(err))
		page.Notice = "決済の確認に失敗しました"
		return false
	}
	if !v.Valid {
		page.Notice = "決済を確認できませんでした"
		return false
	}
	if v.Email != page.View.Session.Email {
		s.logger.Warn("決済のメールアドレスがログイン中のユーザーと一致しません",
			zap.String("user_id", page.View.Session.UserID),
		)
		page.Notice = "ログイン中のメールアドレスと決済のメールアドレスが一致しません"
		return false
	}

	plan := ""
	if v.PlanType != nil {
		plan = *v.PlanType
	}
	q := url.Values{}
	q.Set("email", v.Email)
	q.Set("plan", plan)
	c.Redirect(http.StatusFound, "/form?"+q.Encode())
	return true
}

// gateResponse は/api/v1/gateのレスポンス。
type gateResponse struct {
	// Outcome は評価結果。
	Outcome gate.Outcome `json:"outcome"`
	// View は3つの状態のスナップショット。シェル外のパスでは省略する。
	View *gate.View `json:"view,omitempty"`
}

// handleGate はクエリのパスをゲートで評価するハンドラを返す。
// SPAのクライアント側の遷移で使用する。
func (s *Server) handleGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.DefaultQuery("path", route.HomePath)

		g := s.gateFor(c)
		out, err := g.Evaluate(c.Request.Context(), path, s.credentials(c))
		switch {
		case errors.Is(err, gate.ErrSuperseded):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "generation": out.Generation})
			return
		case err != nil:
			c.Status(http.StatusRequestTimeout)
			return
		}

		resp := gateResponse{Outcome: out}
		if out.Kind != gate.PassThrough {
			v := g.View()
			resp.View = &v
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleGetState は3つの状態のスナップショットを返すハンドラを返す。
func (s *Server) handleGetState() gin.HandlerFunc {
	return func(c *gin.Context) {
		g, _ := gateFrom(c)
		c.JSON(http.StatusOK, g.View())
	}
}

// selectProjectRequest はプロジェクト選択のリクエスト。nullで選択を解除する。
type selectProjectRequest struct {
	SelectedProjectID *string `json:"selected_project_id"`
}

// handleSelectProject は選択中のプロジェクトを変更するハンドラを返す。
func (s *Server) handleSelectProject() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req selectProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		g, _ := gateFrom(c)
		id := ""
		if req.SelectedProjectID != nil {
			id = *req.SelectedProjectID
		}
		g.SelectProject(id)
		c.JSON(http.StatusOK, g.View().Project)
	}
}

// handleReload はプロジェクト一覧の再読み込みを要求するハンドラを返す。
func (s *Server) handleReload() gin.HandlerFunc {
	return func(c *gin.Context) {
		g, _ := gateFrom(c)
		c.JSON(http.StatusOK, gin.H{"reload_signal": g.TriggerReload()})
	}
}

// modalRequest はモーダル開閉のリクエスト。
type modalRequest struct {
	Open *bool `json:"open" binding:"required"`
}

// handleProjectModal はプロジェクト作成モーダルの開閉を設定するハンドラを返す。
func (s *Server) handleProjectModal() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req modalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "openは必須です"})
			return
		}

		g, _ := gateFrom(c)
		g.SetCreateProjectModalOpen(*req.Open)
		c.JSON(http.StatusOK, g.View().Project)
	}
}

// signalsRequest はUIシグナル更新のリクエスト。省略した項目は変更しない。
type signalsRequest struct {
	AuthModalOpen *bool   `json:"auth_modal_open"`
	TargetSection *string `json:"target_section"`
}

// handleSignals はUIシグナルを更新するハンドラを返す。target_sectionの空文字列は解除を表す。
func (s *Server) handleSignals() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signalsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		g, _ := gateFrom(c)
		if req.AuthModalOpen != nil {
			g.SetAuthModalOpen(*req.AuthModalOpen)
		}
		if req.TargetSection != nil {
			g.SetTargetSection(*req.TargetSection)
		}
		c.JSON(http.StatusOK, g.View().Signals)
	}
}

// handleLogout はユーザー操作によるログアウトを行うハンドラを返す。
// 認証局への失効依頼が失敗してもローカルのセッションと認証情報は消去する。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.gateFor(c).Logout(c.Request.Context(), s.credentials(c)); err != nil {
			s.logger.Warn("ログアウト処理でエラーが発生しました", zap.Error(err))
		}
		if wantsJSON(c) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.Redirect(http.StatusSeeOther, route.HomePath)
	}
}

// devLoginRequest は開発用ログインのリクエスト。
type devLoginRequest struct {
	Email    string `json:"email" form:"email"`
	FullName string `json:"full_name" form:"full_name"`
}

// handleDevLogin は認証局から開発用のトークンを発行させてCookieに保存するハンドラを返す。
// 本番環境では無効化すべき。
func (s *Server) handleDevLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devLoginRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBind(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
				return
			}
		}

		pair, err := s.deps.Tokens.DevToken(c.Request.Context(), req.Email, req.FullName)
		if err != nil {
			s.logger.Error("開発用トークンの発行に失敗しました", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "トークンの発行に失敗しました"})
			return
		}
		s.credentials(c).store(pair.AccessToken, pair.RefreshToken, s.cfg.Authority.RefreshTTL)

		if wantsJSON(c) {
			c.JSON(http.StatusOK, gin.H{"user_id": pair.UserID})
			return
		}
		c.Redirect(http.StatusSeeOther, "/form")
	}
}

// wantsJSON はクライアントがJSONの応答を求めているかどうかを返す。
func wantsJSON(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "application/json") ||
		c.ContentType() == "application/json"
}
