package audit

import (
	"context"

	"github.com/nao1215/sessiongate/internal/gate"
	"github.com/nao1215/sessiongate/pkg/event"
	"go.uber.org/zap"
)

// Observer は訪問者のゲートの通知をイベントに変換して配信するgate.Observerを返す。
// 配信の失敗はログに記録するだけで、ゲートの評価には影響しない。
func Observer(pub Publisher, visitorID string, logger *zap.Logger) gate.Observer {
	return func(n gate.Notice) {
		e, err := fromNotice(visitorID, n)
		if err != nil {
			logger.Error("イベントの生成に失敗しました", zap.Error(err))
			return
		}
		if err := pub.Publish(context.Background(), e); err != nil {
			logger.Warn("イベントの配信に失敗しました",
				zap.String("event_type", string(e.EventType)),
				zap.Error(err),
			)
		}
	}
}

// fromNotice はゲートの通知をイベントに変換する。
func fromNotice(visitorID string, n gate.Notice) (*event.Event, error) {
	version := int64(n.Generation)
	switch n.Kind {
	case gate.NoticeResolved:
		return event.New(visitorID, event.AggregateTypeVisitor, event.TypeSessionResolved, version, event.SessionResolvedData{
			UserID: n.Session.UserID,
			Email:  n.Session.Email,
			Path:   n.Path,
		})
	case gate.NoticeCleared:
		reason := ""
		if n.Reason != nil {
			reason = n.Reason.Error()
		}
		return event.New(visitorID, event.AggregateTypeVisitor, event.TypeSessionCleared, version, event.SessionClearedData{
			Reason: reason,
			Path:   n.Path,
		})
	default:
		return event.New(visitorID, event.AggregateTypeVisitor, event.TypeNavigationSuperseded, version, event.NavigationSupersededData{
			Path: n.Path,
		})
	}
}

// ProjectCreated はプロジェクト作成イベントを配信する。
func ProjectCreated(ctx context.Context, pub Publisher, projectID, userID, name string) error {
	e, err := event.New(projectID, event.AggregateTypeProject, event.TypeProjectCreated, 1, event.ProjectCreatedData{
		UserID: userID,
		Name:   name,
	})
	if err != nil {
		return err
	}
	return pub.Publish(ctx, e)
}
