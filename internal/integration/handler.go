package integration

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// tryRequest は連携試行のリクエスト。valueが指定されればプロパティの値として解釈する。
type tryRequest struct {
	Request
	// Value はプロパティに保存された値。
	Value json.RawMessage `json:"value"`
}

// Handler は連携試行のHTTPハンドラを返す。
func (t *Tester) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body tryRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		req := body.Request
		if len(body.Value) > 0 {
			v, err := ParseValue(body.Value)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if !v.IsIntegration() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "API連携の値ではありません"})
				return
			}
			req = *v.Integration
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res := t.Try(c.Request.Context(), req)
		switch res.Kind {
		case KindOK:
			c.JSON(http.StatusOK, gin.H{"data": res.Data})
		case KindPathError:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": res.Error})
		case KindAPIError:
			c.JSON(http.StatusBadGateway, gin.H{"error": res.Error, "response_data": res.ResponseData})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": res.Error, "details": res.Details})
		}
	}
}
