// Package event はセッションゲートが発行するライフサイクルイベントの型を定義する。
//
// イベントは訪問者（visitor）単位で発生し、Versionにはゲート評価の世代番号を格納する。
// 監査ログやNATSへの配信に使用する。
package event
