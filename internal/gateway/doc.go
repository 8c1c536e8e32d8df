// Package gateway はセッションゲートウェイの内部実装を提供する。
//
// ブラウザからのページ遷移ごとに訪問者のゲートでセッションを評価し、
// ルート種別に応じたシェル（2ペインまたは1カラム）を描画する。
// 認証情報はCookieに保存され、訪問者はsg_visitor Cookieで識別する。
// 描画後のページスクリプトには、セッション・プロジェクト選択・UIシグナルの
// 3つの状態をJSON APIで公開する。
package gateway
