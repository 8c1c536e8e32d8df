package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nao1215/sessiongate/internal/route"
	"go.uber.org/zap"
)

var (
	// ErrSuperseded は新しいナビゲーションにより評価結果が破棄されたことを表す。
	ErrSuperseded = errors.New("新しいナビゲーションにより評価が破棄されました")
	// ErrTokenRejected は認証局がアクセストークンを受理しなかったことを表す。
	ErrTokenRejected = errors.New("アクセストークンが受理されませんでした")
)

// OutcomeKind は評価結果の種類。
type OutcomeKind int

const (
	// PassThrough は許可リスト外のパス。シェルや状態を付けずに子要素をそのまま描画する。
	PassThrough OutcomeKind = iota
	// Render はゲート対象のパス。Layoutで指定されたシェルと状態を付けて描画する。
	Render
	// Redirect はLocationへ遷移させる。
	Redirect
	// Superseded は新しい評価により破棄された結果。状態は変更されていない。
	Superseded
)

// String は結果の種類の名前を返す。
func (k OutcomeKind) String() string {
	switch k {
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	case Superseded:
		return "superseded"
	default:
		return "pass_through"
	}
}

// MarshalText はJSONレスポンス用に種類の名前を返す。
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome は1回の評価結果。
type Outcome struct {
	// Kind は結果の種類。
	Kind OutcomeKind `json:"kind"`
	// Class はパスのルート種別。
	Class route.Class `json:"-"`
	// Layout は描画に使用するシェル。
	Layout route.Layout `json:"layout"`
	// Location はRedirectの遷移先。
	Location string `json:"location,omitempty"`
	// Generation はこの評価の世代番号。
	Generation uint64 `json:"generation"`
}

// NoticeKind はゲートが観測者に通知する出来事の種類。
type NoticeKind int

const (
	// NoticeResolved はセッションが確立したことを表す。
	NoticeResolved NoticeKind = iota
	// NoticeCleared はログアウトによりセッションが消去されたことを表す。
	NoticeCleared
	// NoticeSuperseded は評価結果が破棄されたことを表す。
	NoticeSuperseded
)

// Notice はゲートの状態遷移の通知。
type Notice struct {
	// Kind は通知の種類。
	Kind NoticeKind
	// Generation は対象の評価の世代番号。
	Generation uint64
	// Path は評価対象のパス。
	Path string
	// Session は確立したセッション。NoticeResolvedの場合のみ設定される。
	Session Session
	// Reason はログアウトの理由。NoticeClearedの場合のみ設定される。
	Reason error
}

// Observer はゲートの状態遷移を受け取る関数。評価の呼び出し元のgoroutineで同期的に呼ばれる。
type Observer func(Notice)

// Option はGateの設定を変更する関数。
type Option func(*Gate)

// WithLogger はゲートが使用するロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithObserver は状態遷移の通知先を設定する。
func WithObserver(observer Observer) Option {
	return func(g *Gate) {
		g.observer = observer
	}
}

// Gate は1人の訪問者のセッションゲート。複数のgoroutineから同時に使用できる。
type Gate struct {
	// authority はトークン検証とプロフィール取得を行う認証局。
	authority Authority
	// logger は失敗を記録するロガー。
	logger *zap.Logger
	// observer は状態遷移の通知先。
	observer Observer

	// mu はgenerationとcancelを保護する。stateへの書き込みもmuを保持したまま行う。
	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc

	state state
}

// New は新しいゲートを生成する。
func New(authority Authority, opts ...Option) *Gate {
	g := &Gate{
		authority: authority,
		logger:    zap.NewNop(),
		observer:  func(Notice) {},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// View は現在の状態のスナップショットを返す。
func (g *Gate) View() View {
	return g.state.view()
}

// Resolved は初回の評価が完了したかどうかを返す。
func (g *Gate) Resolved() bool {
	return g.state.view().Resolved
}

// SessionFor はaccessTokenの検証で公開されたセッションを返す。
// セッションが無い場合や、別のトークンから導出されたセッションしか無い場合はfalseを返す。
func (g *Gate) SessionFor(accessToken string) (Session, bool) {
	return g.state.sessionFor(accessToken)
}

// Generation は最新の評価の世代番号を返す。
func (g *Gate) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// Evaluate はpathへのナビゲーションを評価する。
//
// 許可リスト外のパスは認証情報に関係なくPassThroughを返す。ゲート対象のパスでは
// トークンの有無を確認し、認証局でトークン検証とプロフィール取得を行ってセッションを公開する。
// 途中の失敗はすべてログアウト（セッション消去、認証情報消去、トップへの遷移）に収束する。
//
// 返すエラーは、より新しい評価に追い越された場合のErrSupersededと、
// 呼び出し元のコンテキストが終了した場合のコンテキストのエラーのみ。どちらの場合も状態は変更しない。
func (g *Gate) Evaluate(ctx context.Context, path string, creds CredentialStore) (Outcome, error) {
	class := route.Classify(path)
	evalCtx, gen := g.begin(ctx)
	defer g.finish(gen)

	if !class.Gated() {
		return Outcome{Kind: PassThrough, Class: class, Layout: route.LayoutNone, Generation: gen}, nil
	}

	accessToken, refreshToken := creds.Credentials()
	if accessToken == "" || refreshToken == "" {
		if !g.commit(gen, func(s *state) {
			s.clearSession()
		}) {
			return g.superseded(gen, path)
		}
		g.logger.Debug("認証情報が無いためトップへ遷移します", zap.String("path", path), zap.Uint64("generation", gen))
		return g.leave(gen, class, path), nil
	}

	valid, err := g.authority.ValidateToken(evalCtx, accessToken)
	if out, err, stop := g.interrupted(ctx, gen, path); stop {
		return out, err
	}
	if err != nil {
		return g.logout(gen, class, path, creds, fmt.Errorf("トークン検証に失敗: %w", err))
	}
	if !valid {
		return g.logout(gen, class, path, creds, ErrTokenRejected)
	}

	profile, err := g.authority.GetMe(evalCtx, accessToken)
	if out, err, stop := g.interrupted(ctx, gen, path); stop {
		return out, err
	}
	if err != nil {
		return g.logout(gen, class, path, creds, fmt.Errorf("プロフィール取得に失敗: %w", err))
	}
	if profile == nil || profile.ID == "" {
		return g.logout(gen, class, path, creds, errors.New("プロフィールが空です"))
	}

	session := sessionFromProfile(profile)
	if !g.commit(gen, func(s *state) {
		s.publish(session, accessToken)
	}) {
		return g.superseded(gen, path)
	}
	g.observer(Notice{Kind: NoticeResolved, Generation: gen, Path: path, Session: session.clone()})

	return Outcome{Kind: Render, Class: class, Layout: class.Layout(), Generation: gen}, nil
}

// Logout はユーザー操作によるログアウトを行う。
// 実行中の評価を追い越したうえで認証局にセッション終了を依頼し、
// 認証局の応答に関係なくローカルのセッションと認証情報を消去する。
//
// 認証局の応答を待つ間により新しい評価が始まった場合、状態はその評価が所有する。
// このときセッションは書き換えず通知も送らないが、認証情報は消去する。
func (g *Gate) Logout(ctx context.Context, creds CredentialStore) error {
	evalCtx, gen := g.begin(ctx)
	defer g.finish(gen)

	accessToken, refreshToken := creds.Credentials()
	var remoteErr error
	if accessToken != "" || refreshToken != "" {
		if err := g.authority.Logout(evalCtx, accessToken, refreshToken); err != nil {
			remoteErr = fmt.Errorf("認証局でのログアウトに失敗: %w", err)
			g.logger.Warn("認証局でのログアウトに失敗しました", zap.Error(err))
		}
	}

	committed := g.commit(gen, func(s *state) {
		s.clearSession()
	})
	if err := creds.Clear(); err != nil {
		return errors.Join(remoteErr, fmt.Errorf("認証情報の消去に失敗: %w", err))
	}
	if !committed {
		g.logger.Debug("ログアウト中により新しい評価が始まったため状態は変更しません", zap.Uint64("generation", gen))
		return remoteErr
	}
	g.observer(Notice{Kind: NoticeCleared, Generation: gen, Path: route.HomePath, Reason: errors.New("ユーザー操作によるログアウト")})
	return remoteErr
}

// SelectProject は選択中のプロジェクトを変更する。空文字列は選択解除を表す。
func (g *Gate) SelectProject(projectID string) {
	g.state.update(func(s *state) {
		if projectID == "" {
			s.project.SelectedProjectID = nil
			return
		}
		s.project.SelectedProjectID = &projectID
	})
}

// TriggerReload はプロジェクト一覧の再読み込みを要求し、新しいシグナル値を返す。
func (g *Gate) TriggerReload() uint64 {
	var signal uint64
	g.state.update(func(s *state) {
		s.project.ReloadSignal++
		signal = s.project.ReloadSignal
	})
	return signal
}

// SetCreateProjectModalOpen はプロジェクト作成モーダルの開閉を設定する。
func (g *Gate) SetCreateProjectModalOpen(open bool) {
	g.state.update(func(s *state) {
		s.project.CreateModalOpen = open
	})
}

// SetAuthModalOpen は認証モーダルの開閉を設定する。
func (g *Gate) SetAuthModalOpen(open bool) {
	g.state.update(func(s *state) {
		s.signals.AuthModalOpen = open
	})
}

// SetTargetSection はスクロール先のセクションを設定する。空文字列は解除を表す。
func (g *Gate) SetTargetSection(section string) {
	g.state.update(func(s *state) {
		if section == "" {
			s.signals.TargetSection = nil
			return
		}
		s.signals.TargetSection = &section
	})
}

// begin は新しい世代を開始し、前の世代の評価をキャンセルする。
func (g *Gate) begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	g.generation++
	g.cancel = cancel
	return ctx, g.generation
}

// finish は最新の世代のまま評価が終わった場合にコンテキストを解放する。
// 追い越された世代のコンテキストは追い越した側のbeginで既にキャンセルされている。
func (g *Gate) finish(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation == gen && g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// current はgenが最新の世代かどうかを返す。
func (g *Gate) current(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation == gen
}

// commit はgenが最新の世代である場合に限りfnで状態を書き換える。
func (g *Gate) commit(gen uint64, fn func(*state)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation != gen {
		return false
	}
	g.state.update(fn)
	return true
}

// interrupted は認証局の呼び出し後に、追い越しまたは呼び出し元の終了で評価を打ち切るべきかを判定する。
func (g *Gate) interrupted(parent context.Context, gen uint64, path string) (Outcome, error, bool) {
	if !g.current(gen) {
		out, err := g.superseded(gen, path)
		return out, err, true
	}
	if err := parent.Err(); err != nil {
		g.logger.Debug("呼び出し元の終了により評価を中断しました", zap.String("path", path), zap.Error(err))
		return Outcome{Kind: Superseded, Generation: gen}, err, true
	}
	return Outcome{}, nil, false
}

// superseded は追い越された評価の結果を返す。
func (g *Gate) superseded(gen uint64, path string) (Outcome, error) {
	g.logger.Debug("古い世代の評価結果を破棄しました", zap.String("path", path), zap.Uint64("generation", gen))
	g.observer(Notice{Kind: NoticeSuperseded, Generation: gen, Path: path})
	return Outcome{Kind: Superseded, Generation: gen}, ErrSuperseded
}

// logout は評価中の失敗をログアウトに収束させる。
func (g *Gate) logout(gen uint64, class route.Class, path string, creds CredentialStore, reason error) (Outcome, error) {
	if !g.commit(gen, func(s *state) {
		s.clearSession()
	}) {
		return g.superseded(gen, path)
	}

	g.logger.Warn("認証に失敗したためログアウトします",
		zap.String("path", path),
		zap.Uint64("generation", gen),
		zap.Error(reason),
	)
	if err := creds.Clear(); err != nil {
		g.logger.Error("認証情報の消去に失敗しました", zap.Error(err))
	}
	g.observer(Notice{Kind: NoticeCleared, Generation: gen, Path: path, Reason: reason})

	return g.leave(gen, class, path), nil
}

// leave はセッションが無い状態での遷移先を決める。
// 既にトップにいる場合はリダイレクトせず、空のセッションでトップのシェルを描画する。
func (g *Gate) leave(gen uint64, class route.Class, path string) Outcome {
	if path == route.HomePath {
		return Outcome{Kind: Render, Class: class, Layout: class.Layout(), Generation: gen}
	}
	return Outcome{Kind: Redirect, Class: class, Location: route.HomePath, Generation: gen}
}
