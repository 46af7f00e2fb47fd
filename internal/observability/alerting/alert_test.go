package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "bbdfi/internal/errors"
	"bbdfi/pkg/logger"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeSwapFailed, "swap reverted", xerrors.WithMetadata("tx_hash", "0x01"))
	event := FromError("seq-1", "BTC", err)

	if event.Code != xerrors.CodeSwapFailed || event.SequenceID != "seq-1" || event.Asset != "BTC" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Metadata["tx_hash"] != "0x01" {
		t.Fatalf("expected metadata to be carried, got %+v", event.Metadata)
	}
	if event.Severity != xerrors.SeverityWarning {
		t.Fatalf("unexpected severity: %s", event.Severity)
	}
}

func TestFanoutDispatcherJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	bad := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	dispatcher := NewFanout(ok, bad, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeDepositFailed})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("expected both notifiers to be called")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{Logger: logger.Discard()}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeApprovalFailed, Metadata: map[string]string{"a": "b"}}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	event := Event{Code: xerrors.CodeTransactionReverted, SequenceID: "seq-9", OccurredAt: time.Now().UTC()}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("webhook notify: %v", err)
	}
	if received.SequenceID != "seq-9" || received.Code != xerrors.CodeTransactionReverted {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error status to surface")
	}
	if err := NewWebhookNotifier("", time.Second).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("empty url should be a no-op: %v", err)
	}
}
