// Package audit はセッションのライフサイクルイベントを配信する。
//
// NATSが設定されていればNATSのサブジェクトへ、設定されていなければ構造化ログへ出力する。
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nao1215/sessiongate/pkg/event"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix はイベントを配信するNATSサブジェクトの接頭辞。
const SubjectPrefix = "sessiongate"

// Publisher はイベントの配信先。
type Publisher interface {
	// Publish はイベントを配信する。
	Publish(ctx context.Context, e *event.Event) error
	// Close は配信先との接続を閉じる。
	Close() error
}

// NATSPublisher はイベントをNATSサブジェクトへJSONで配信する。
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher はNATSに接続する。切断時は自動で再接続する。
func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	defaults := []nats.Option{
		nats.Name("sessiongate-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("NATS（%s）への接続に失敗: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

// Publish はイベントを"sessiongate.<aggregate>.<event>"サブジェクトへ配信する。
func (p *NATSPublisher) Publish(_ context.Context, e *event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	if err := p.conn.Publish(e.Subject(SubjectPrefix), data); err != nil {
		return fmt.Errorf("イベントの配信に失敗: %w", err)
	}
	return nil
}

// Close は未送信のメッセージを送信してから接続を閉じる。
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("NATS接続のドレインに失敗: %w", err)
	}
	return nil
}

// LogPublisher はイベントを構造化ログへ出力する。
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher は新しいLogPublisherを生成する。
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish はイベントをinfoレベルで出力する。
func (p *LogPublisher) Publish(_ context.Context, e *event.Event) error {
	p.logger.Info("セッションイベント",
		zap.String("subject", e.Subject(SubjectPrefix)),
		zap.String("event_id", e.ID),
		zap.String("aggregate_id", e.AggregateID),
		zap.Int64("version", e.Version),
		zap.ByteString("data", e.Data),
	)
	return nil
}

// Close は何もしない。
func (p *LogPublisher) Close() error {
	return nil
}
