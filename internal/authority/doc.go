// Package authority は開発用の認証局と、gatewayから認証局を呼び出すクライアントを提供する。
//
// 認証局はアクセストークンとリフレッシュトークンの組を発行し、トークンの検証、
// プロフィール取得、ログアウト（トークン失効）、決済セッションの作成と検証を行う。
// 本番の認証基盤の代わりに開発環境で使用することを想定している。
package authority
