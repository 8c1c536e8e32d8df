package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/nao1215/sessiongate/pkg/httpclient"
	"github.com/ohler55/ojg/jp"
	"go.uber.org/zap"
)

var (
	// ErrInvalidURL はAPI URLがhttpまたはhttpsの絶対URLでないことを表す。
	ErrInvalidURL = errors.New("API URLはhttpまたはhttpsの絶対URLである必要があります")
	// ErrNoMatch はJSONPathに一致するデータが無いことを表す。
	ErrNoMatch = errors.New("JSONPathは有効ですがデータが見つかりませんでした")
	// ErrMalformedPath はJSONPathの構文が不正であることを表す。
	ErrMalformedPath = errors.New("形式が不正です")
	// ErrForbiddenAddress は接続先が許可されていない内部ネットワークのアドレスであることを表す。
	ErrForbiddenAddress = errors.New("内部ネットワークのアドレスには接続できません")
)

// sharedAddressSpace はキャリアグレードNATのアドレス帯（RFC 6598）。
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Request は外部API連携の設定。
type Request struct {
	// APIURL は呼び出すAPIのURL。
	APIURL string `json:"api_url"`
	// JSONPath はレスポンスから値を取り出すJSONPath。空ならレスポンス全体を返す。
	JSONPath string `json:"json_path"`
	// HeaderKey は認証ヘッダーの名前。空ならDefaultHeaderKey。
	HeaderKey string `json:"header_key"`
	// HeaderValue は認証ヘッダーの値。
	HeaderValue string `json:"header_value"`
}

// Kind は試行結果の種類。
type Kind int

const (
	// KindOK は値を取得できたことを表す。
	KindOK Kind = iota
	// KindAPIError はAPIが2xx以外を返したことを表す。
	KindAPIError
	// KindPathError はJSONPathの処理に失敗したことを表す。
	KindPathError
	// KindFetchError はAPIへの接続またはレスポンスの解析に失敗したことを表す。
	KindFetchError
)

// Result は外部API連携の試行結果。
type Result struct {
	// Kind は結果の種類。
	Kind Kind `json:"-"`
	// Data は取り出した値。JSONPathが空ならレスポンス全体。
	Data any `json:"data"`
	// Error はエラーメッセージ。
	Error string `json:"error,omitempty"`
	// ResponseData はAPIがエラー時に返したボディ。
	ResponseData any `json:"response_data,omitempty"`
	// Details は接続エラーの詳細。
	Details string `json:"details,omitempty"`
}

// Tester は外部APIを呼び出して連携設定を試す。
// 接続先はDNS解決後のIPアドレスで検査し、ループバックやプライベートアドレスへの接続は拒否する。
type Tester struct {
	client  *httpclient.Client
	allowed []netip.Prefix
	logger  *zap.Logger
}

// TesterOption はTesterの設定を変更する関数。
type TesterOption func(*Tester)

// WithAllowedNetworks は接続を許可する内部ネットワークを追加する。
func WithAllowedNetworks(prefixes ...netip.Prefix) TesterOption {
	return func(t *Tester) {
		t.allowed = append(t.allowed, prefixes...)
	}
}

// NewTester は新しいTesterを生成する。
func NewTester(timeout time.Duration, logger *zap.Logger, opts ...TesterOption) *Tester {
	t := &Tester{logger: logger}
	for _, opt := range opts {
		opt(t)
	}

	dialer := &net.Dialer{Timeout: timeout, Control: t.control}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	t.client = httpclient.New("", httpclient.WithHTTPClient(&http.Client{
		Timeout:   timeout,
		Transport: transport,
	}))
	return t
}

// control は接続直前に接続先のアドレスを検査する。
func (t *Tester) control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("接続先の解析に失敗: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("接続先の解析に失敗: %w", err)
	}
	if !t.permitted(addr) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, addr)
	}
	return nil
}

// permitted はaddrへの接続を許可するかどうかを返す。
func (t *Tester) permitted(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range t.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return !(addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		sharedAddressSpace.Contains(addr))
}

// Validate はリクエストの形式を検証する。
func (r Request) Validate() error {
	u, err := url.Parse(r.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// Try はAPIをGETで呼び出し、JSONPathで値を取り出す。
func (t *Tester) Try(ctx context.Context, req Request) Result {
	headerKey := req.HeaderKey
	if headerKey == "" {
		headerKey = DefaultHeaderKey
	}
	ctx = httpclient.WithHeader(ctx, headerKey, req.HeaderValue)

	var data any
	err := t.client.GetJSON(ctx, req.APIURL, &data)
	var se *httpclient.StatusError
	switch {
	case errors.As(err, &se):
		return Result{
			Kind:         KindAPIError,
			Error:        fmt.Sprintf("API Error: %d - %s", se.StatusCode, http.StatusText(se.StatusCode)),
			ResponseData: decodeBody(se.Body),
		}
	case err != nil:
		t.logger.Info("外部APIの呼び出しに失敗しました", zap.String("api_url", req.APIURL), zap.Error(err))
		return Result{
			Kind:    KindFetchError,
			Error:   "データの取得中にエラーが発生しました",
			Details: err.Error(),
		}
	}

	if strings.TrimSpace(req.JSONPath) == "" {
		return Result{Kind: KindOK, Data: data}
	}

	extracted, err := Extract(data, req.JSONPath)
	if err != nil {
		return Result{Kind: KindPathError, Error: fmt.Sprintf("JSONPathの処理に失敗: %s", err)}
	}
	return Result{Kind: KindOK, Data: extracted}
}

// Extract はdataからJSONPathに一致する値をすべて取り出す。
// 構文エラーならErrMalformedPath、一致が無ければErrNoMatchを返す。
func Extract(data any, path string) ([]any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, ErrMalformedPath
	}
	found := expr.Get(data)
	if len(found) == 0 {
		return nil, ErrNoMatch
	}
	return found, nil
}

// decodeBody はエラーレスポンスのボディをJSONとして解釈する。JSONでなければ文字列のまま返す。
func decodeBody(body string) any {
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	return v
}
