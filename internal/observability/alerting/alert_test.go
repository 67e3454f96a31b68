package alerting

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "MultiLLM-Agent/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (n *stubNotifier) Channel() Channel { return n.channel }

func (n *stubNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutBroadcastsToAllChannels(t *testing.T) {
	slack := &stubNotifier{channel: ChannelSlack}
	email := &stubNotifier{channel: ChannelEmail}
	dispatcher := NewFanout(slack, email, nil)

	event := Event{
		Code:       xerrors.CodeExecutorFailure,
		Message:    "执行阶段失败",
		Severity:   xerrors.SeverityCritical,
		TaskID:     "task-1",
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slack.events) != 1 || len(email.events) != 1 {
		t.Fatalf("event not broadcast: slack=%d email=%d", len(slack.events), len(email.events))
	}
	if slack.events[0].TaskID != "task-1" {
		t.Fatalf("unexpected event: %+v", slack.events[0])
	}
}

func TestFanoutAggregatesFailures(t *testing.T) {
	slackErr := stdErrors.New("slack 不可用")
	slack := &stubNotifier{channel: ChannelSlack, err: slackErr}
	email := &stubNotifier{channel: ChannelEmail}
	dispatcher := NewFanout(slack, email)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeTimeout})
	if !stdErrors.Is(err, slackErr) {
		t.Fatalf("expected slack failure in aggregate, got %v", err)
	}
	// 某个渠道失败不影响其余渠道。
	if len(email.events) != 1 {
		t.Fatalf("email channel skipped: %d", len(email.events))
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	notifier := &LogNotifier{}
	err := notifier.Notify(context.Background(), Event{
		Code:     xerrors.CodeQuotaExceeded,
		Message:  "配额超限",
		Metadata: map[string]string{"stage": "retry"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
