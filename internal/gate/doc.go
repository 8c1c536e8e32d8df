// Package gate はページ遷移ごとにセッションを検証するセッションゲートを提供する。
//
// ゲートは訪問者ごとに1つ生成され、パスの分類、保存済み認証情報の読み取り、
// 認証局によるトークン検証とプロフィール取得を順に行い、結果を3つの状態スライス
// （セッション、プロジェクト選択、UIシグナル）として公開する。
//
// 評価のたびに世代番号を進め、古い世代の評価は前の評価のコンテキストを
// キャンセルしたうえで結果を破棄する。失敗はすべてログアウトに収束し、
// セッションの一部だけが設定された状態は外部に見えない。
//
// 認証局と認証情報の保存先はインターフェースとして注入するため、
// テストではフェイクに差し替えられる。
package gate
