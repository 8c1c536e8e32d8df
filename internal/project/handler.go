package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/sessiongate/pkg/middleware"
	"go.uber.org/zap"
)

// Handlers はプロジェクトAPIのハンドラ群。
type Handlers struct {
	store  *Store
	logger *zap.Logger
	// onCreate はプロジェクト作成後に呼ばれる。
	onCreate func(c *gin.Context, p *Project)
}

// NewHandlers は新しいハンドラ群を生成する。onCreateはnilでもよい。
func NewHandlers(store *Store, logger *zap.Logger, onCreate func(c *gin.Context, p *Project)) *Handlers {
	if onCreate == nil {
		onCreate = func(*gin.Context, *Project) {}
	}
	return &Handlers{store: store, logger: logger, onCreate: onCreate}
}

// Register はルーターグループにプロジェクトAPIを登録する。
// グループには事前にユーザーIDを設定するミドルウェアが適用されている必要がある。
func (h *Handlers) Register(rg *gin.RouterGroup) {
	projects := rg.Group("/projects")
	{
		// プロジェクト作成
		projects.POST("", h.handleCreate())
		// プロジェクト一覧取得
		projects.GET("", h.handleList())
		// プロジェクト詳細取得
		projects.GET("/:id", h.handleGet())
		// プロジェクト更新
		projects.PUT("/:id", h.handleUpdate())
		// プロジェクト削除
		projects.DELETE("/:id", h.handleDelete())
	}
}

// createProjectRequest はプロジェクト作成リクエストのJSON構造。
type createProjectRequest struct {
	// Name はプロジェクト名。
	Name string `json:"name" binding:"required"`
	// DataInfo はオブジェクトとプロパティのJSON。
	DataInfo json.RawMessage `json:"data_info"`
}

// updateProjectRequest はプロジェクト更新リクエストのJSON構造。
type updateProjectRequest struct {
	// Name はプロジェクト名。
	Name string `json:"name" binding:"required"`
	// DataInfo はオブジェクトとプロパティのJSON。省略時は変更しない。
	DataInfo json.RawMessage `json:"data_info"`
}

// listResponse はプロジェクト一覧のJSONレスポンス構造。
type listResponse struct {
	// Projects はプロジェクト一覧。
	Projects []Project `json:"projects"`
	// Count は返したプロジェクトの数。
	Count int `json:"count"`
}

func (h *Handlers) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req createProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "プロジェクト名は必須です"})
			return
		}

		p, err := h.store.Create(c.Request.Context(), userID, name, req.DataInfo)
		if err != nil {
			h.writeError(c, err, "プロジェクトの作成に失敗しました")
			return
		}
		h.onCreate(c, p)

		c.JSON(http.StatusCreated, p)
	}
}

func (h *Handlers) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		projects, err := h.store.List(c.Request.Context(), userID, c.Query("q"))
		if err != nil {
			h.writeError(c, err, "プロジェクト一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, listResponse{Projects: projects, Count: len(projects)})
	}
}

func (h *Handlers) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		p, err := h.store.Get(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			h.writeError(c, err, "プロジェクトの取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func (h *Handlers) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req updateProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		name := strings.TrimSpace(req.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "プロジェクト名は必須です"})
			return
		}

		p, err := h.store.Update(c.Request.Context(), userID, c.Param("id"), name, req.DataInfo)
		if err != nil {
			h.writeError(c, err, "プロジェクトの更新に失敗しました")
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func (h *Handlers) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		if err := h.store.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
			h.writeError(c, err, "プロジェクトの削除に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "プロジェクトを削除しました"})
	}
}

// writeError はストアのエラーをHTTPステータスに変換して返す。
func (h *Handlers) writeError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
	case errors.Is(err, ErrInvalidDataInfo):
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidDataInfo.Error()})
	default:
		h.logger.Error(message, zap.Error(err), zap.String("user_id", middleware.GetUserID(c)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}
