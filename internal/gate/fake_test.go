package gate

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeAuthority はテスト用の認証局。
type fakeAuthority struct {
	validate func(ctx context.Context, token string) (bool, error)
	getMe    func(ctx context.Context, token string) (*Profile, error)
	logout   func(ctx context.Context, access, refresh string) error

	validateCalls atomic.Int32
	getMeCalls    atomic.Int32
	logoutCalls   atomic.Int32
}

func (f *fakeAuthority) ValidateToken(ctx context.Context, token string) (bool, error) {
	f.validateCalls.Add(1)
	if f.validate == nil {
		return true, nil
	}
	return f.validate(ctx, token)
}

func (f *fakeAuthority) GetMe(ctx context.Context, token string) (*Profile, error) {
	f.getMeCalls.Add(1)
	if f.getMe == nil {
		return &Profile{ID: "u1", Email: "a@b.com", FullName: "A B"}, nil
	}
	return f.getMe(ctx, token)
}

func (f *fakeAuthority) Logout(ctx context.Context, access, refresh string) error {
	f.logoutCalls.Add(1)
	if f.logout == nil {
		return nil
	}
	return f.logout(ctx, access, refresh)
}

// fakeCreds はテスト用の認証情報ストア。
type fakeCreds struct {
	mu       sync.Mutex
	access   string
	refresh  string
	clears   int
	clearErr error
}

func newCreds(access, refresh string) *fakeCreds {
	return &fakeCreds{access: access, refresh: refresh}
}

func (c *fakeCreds) Credentials() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access, c.refresh
}

func (c *fakeCreds) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	c.access = ""
	c.refresh = ""
	return c.clearErr
}

func (c *fakeCreds) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

func strPtr(s string) *string {
	return &s
}
