package gate

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"sync"
	"unicode"
)

// Session は検証済みのユーザーセッション。ゼロ値は未ログイン状態を表す。
type Session struct {
	// UserID はユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// FullName は表示名。
	FullName string `json:"full_name"`
	// Photo はアバター画像のURL。未設定ならnil。
	Photo *string `json:"photo"`
}

// sessionFromProfile はプロフィールの全フィールドを一度にセッションへ写す。
func sessionFromProfile(p *Profile) Session {
	return Session{
		UserID:   p.ID,
		Email:    p.Email,
		FullName: p.FullName,
		Photo:    clonePtr(p.Photo),
	}
}

// Empty は未ログイン状態かどうかを返す。
func (s Session) Empty() bool {
	return s.UserID == "" && s.Email == "" && s.FullName == "" && s.Photo == nil
}

// Initials はアバター代替表示用に表示名の各単語の頭文字を最大2文字、大文字で返す。
func (s Session) Initials() string {
	var b strings.Builder
	n := 0
	for _, word := range strings.Fields(s.FullName) {
		if n == 2 {
			break
		}
		r := []rune(word)[0]
		b.WriteRune(unicode.ToUpper(r))
		n++
	}
	return b.String()
}

func (s Session) clone() Session {
	s.Photo = clonePtr(s.Photo)
	return s
}

// ProjectState はサイドバーのプロジェクト選択状態。
type ProjectState struct {
	// SelectedProjectID は選択中のプロジェクトID。未選択ならnil。
	SelectedProjectID *string `json:"selected_project_id"`
	// ReloadSignal はプロジェクト一覧の再読み込みを要求するたびに増えるカウンタ。
	ReloadSignal uint64 `json:"reload_signal"`
	// CreateModalOpen はプロジェクト作成モーダルが開いているかどうか。
	CreateModalOpen bool `json:"create_project_modal_open"`
}

func (p ProjectState) clone() ProjectState {
	p.SelectedProjectID = clonePtr(p.SelectedProjectID)
	return p
}

// Signals は一時的なUIシグナル。
type Signals struct {
	// AuthModalOpen は認証モーダルが開いているかどうか。
	AuthModalOpen bool `json:"auth_modal_open"`
	// TargetSection はスクロール先のセクション名。未指定ならnil。
	TargetSection *string `json:"target_section"`
}

func (s Signals) clone() Signals {
	s.TargetSection = clonePtr(s.TargetSection)
	return s
}

// View は子要素に渡す読み取り専用のスナップショット。
// 値はすべてコピーであり、変更してもゲートの状態には影響しない。
type View struct {
	// Resolved は初回の評価が完了したかどうか。falseの間はローディング表示のみ行う。
	Resolved bool `json:"resolved"`
	// Session はユーザーセッション。
	Session Session `json:"session"`
	// Project はプロジェクト選択状態。
	Project ProjectState `json:"project"`
	// Signals はUIシグナル。
	Signals Signals `json:"signals"`
}

// state は3つのスライスを保持する。書き込みはGateのメソッドからのみ行う。
type state struct {
	mu       sync.RWMutex
	resolved bool
	session  Session
	// token はsessionの導出元になったアクセストークンのダイジェスト。
	token   [sha256.Size]byte
	project ProjectState
	signals Signals
}

func (s *state) view() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		Resolved: s.resolved,
		Session:  s.session.clone(),
		Project:  s.project.clone(),
		Signals:  s.signals.clone(),
	}
}

// publish はアクセストークンから導出したセッションを公開する。
func (s *state) publish(session Session, accessToken string) {
	s.session = session
	s.token = sha256.Sum256([]byte(accessToken))
	s.resolved = true
}

// clearSession はセッションとトークンのダイジェストを消去する。
func (s *state) clearSession() {
	s.session = Session{}
	s.token = [sha256.Size]byte{}
	s.resolved = true
}

// sessionFor はaccessTokenから導出したセッションがあればそれを返す。
func (s *state) sessionFor(accessToken string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.UserID == "" || accessToken == "" {
		return Session{}, false
	}
	digest := sha256.Sum256([]byte(accessToken))
	if subtle.ConstantTimeCompare(digest[:], s.token[:]) != 1 {
		return Session{}, false
	}
	return s.session.clone(), true
}

func (s *state) update(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
