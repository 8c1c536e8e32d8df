// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWTトークンの発行と検証、zapによるアクセスログ、パニックリカバリ、
// CORS設定など、gatewayとauthorityの両サービスで共通して使用するミドルウェアを含む。
package middleware
