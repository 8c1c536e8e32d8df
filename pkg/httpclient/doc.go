// Package httpclient はgatewayが外部の認証局（authority）を呼び出すための
// JSON HTTPクライアントを提供する。
//
// トークン検証、プロフィール取得、ログアウト、決済セッション検証など、
// authorityとの通信パターンを統一する。Bearerトークンはコンテキスト経由で伝播する。
package httpclient
