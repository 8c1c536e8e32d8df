package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType はJWTの用途（アクセス/リフレッシュ）を表す。
type TokenType string

const (
	// TokenTypeAccess はAPI呼び出しに使用するアクセストークン。
	TokenTypeAccess TokenType = "access"
	// TokenTypeRefresh はアクセストークン再発行用のリフレッシュトークン。
	TokenTypeRefresh TokenType = "refresh"
)

// tokenIssuer はauthorityサービスが発行するトークンのiss。
const tokenIssuer = "sessiongate-authority"

// ErrWrongTokenType はトークンの用途が期待と異なる場合のエラー。
var ErrWrongTokenType = errors.New("トークンの種類が不正です")

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// TokenType はトークンの用途。
	TokenType TokenType `json:"token_type"`
}

// Context keys.
const (
	contextKeyUserID  = "user_id"
	contextKeyEmail   = "email"
	contextKeyTokenID = "token_id"
)

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// GenerateJWT はユーザー情報から指定用途のJWTトークンを生成する。
// jtiには失効管理のためにUUIDを設定し、生成したクレームも返す。
func GenerateJWT(secret string, tokenType TokenType, userID, email string, ttl time.Duration) (string, *JWTClaims, error) {
	now := time.Now()
	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID:    userID,
		Email:     email,
		TokenType: tokenType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", nil, fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, claims, nil
}

// ParseJWT は署名・有効期限・発行者を検証してクレームを返す。
// wantTypeが空でなければトークンの用途も一致している必要がある。
func ParseJWT(secret, tokenString string, wantType TokenType) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("JWTトークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("JWTトークンが無効です")
	}
	if wantType != "" && claims.TokenType != wantType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// JWTAuth はアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにユーザーID・メールアドレス・トークンIDを設定する。
// revokedがnilでなければ失効済みのトークンIDを拒否する。
func JWTAuth(secret string, revoked func(c *gin.Context, tokenID string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークンが必要です",
			})
			return
		}

		claims, err := ParseJWT(secret, tokenString, TokenTypeAccess)
		if err != nil || (revoked != nil && revoked(c, claims.ID)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		SetIdentity(c, claims.UserID, claims.Email)
		c.Set(contextKeyTokenID, claims.ID)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(c *gin.Context) (string, bool) {
	token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// SetIdentity はGinコンテキストに認証済みユーザーの情報を設定する。
// gatewayのセッションミドルウェアとJWTAuthの両方がこのキーを使用する。
func SetIdentity(c *gin.Context, userID, email string) {
	c.Set(contextKeyUserID, userID)
	c.Set(contextKeyEmail, email)
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthまたはセッションミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return c.GetString(contextKeyEmail)
}

// GetTokenID はJWTAuthが検証したアクセストークンのjtiを取得する。
func GetTokenID(c *gin.Context) string {
	return c.GetString(contextKeyTokenID)
}
