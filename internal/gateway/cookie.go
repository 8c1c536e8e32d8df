package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/sessiongate/internal/gate"
)

// Cookie名。
const (
	cookieAccessToken  = "access_token"
	cookieRefreshToken = "refresh_token"
	cookieVisitor      = "sg_visitor"
)

// cookieCredentials はリクエストのCookieに保存された認証情報。
type cookieCredentials struct {
	c      *gin.Context
	secure bool
}

var _ gate.CredentialStore = (*cookieCredentials)(nil)

// Credentials はアクセストークンとリフレッシュトークンを返す。無ければ空文字列。
func (cc *cookieCredentials) Credentials() (string, string) {
	access, _ := cc.c.Cookie(cookieAccessToken)
	refresh, _ := cc.c.Cookie(cookieRefreshToken)
	return access, refresh
}

// Clear は両方のトークンのCookieを失効させる。
func (cc *cookieCredentials) Clear() error {
	for _, name := range []string{cookieAccessToken, cookieRefreshToken} {
		http.SetCookie(cc.c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   cc.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	// 同じリクエスト内の後続の読み取りにも消去を反映する
	stripCookies(cc.c.Request, cookieAccessToken, cookieRefreshToken)
	return nil
}

// store は両方のトークンをCookieに保存する。
func (cc *cookieCredentials) store(access, refresh string, ttl time.Duration) {
	for name, value := range map[string]string{cookieAccessToken: access, cookieRefreshToken: refresh} {
		http.SetCookie(cc.c.Writer, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			MaxAge:   int(ttl.Seconds()),
			HttpOnly: true,
			Secure:   cc.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// stripCookies はリクエストから指定のCookieを取り除く。
func stripCookies(r *http.Request, names ...string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, ck := range cookies {
		if !drop[ck.Name] {
			r.AddCookie(ck)
		}
	}
}

// visitorID は訪問者IDを返す。Cookieが無ければ新しいIDを発行してCookieに保存する。
func visitorID(c *gin.Context, secure bool, ttl time.Duration) string {
	if id, err := c.Cookie(cookieVisitor); err == nil {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	id := uuid.New().String()
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     cookieVisitor,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	stripCookies(c.Request, cookieVisitor)
	c.Request.AddCookie(&http.Cookie{Name: cookieVisitor, Value: id})
	return id
}
