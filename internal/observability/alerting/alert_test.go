package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "X402-Agent/internal/errors"
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

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelSlack, err: errors.New("slack down")}
	dispatcher := NewFanout(ok, failing, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodePaymentRejected, Message: "still 402"})
	if err == nil {
		t.Fatal("expected joined error from failing channel")
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("every notifier should receive the event")
	}
	if ok.events[0].OccurredAt.IsZero() {
		t.Fatal("dispatcher should stamp the event time")
	}
	if got := dispatcher.Channels(); len(got) != 2 {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestFromErrorCopiesAttributes(t *testing.T) {
	err := xerrors.New(xerrors.CodeNetwork, "replay failed", xerrors.WithAttempts(3, 3))
	event := FromError("payments", "weather", err)
	if event.Code != xerrors.CodeNetwork || event.Attempts != 3 || event.MaxRetries != 3 {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["attempts"] != "3" {
		t.Fatalf("metadata should be carried over: %v", event.Metadata)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodePaymentFailed, Subject: "job-1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.Code != xerrors.CodePaymentFailed || received.Subject != "job-1" {
		t.Fatalf("unexpected payload %+v", received)
	}
}
