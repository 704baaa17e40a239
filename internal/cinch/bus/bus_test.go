package bus

import (
	"context"
	"errors"
	"testing"
)

func TestEncodeDecode_RoundTripsEachKind(t *testing.T) {
	events := []Event{
		MasterMoved{Owner: "acme", Name: "lib"},
		PullRequestMoved{Owner: "acme", Name: "lib", Number: 7},
		PullRequestStatusUpdated{ProjectID: 3, Number: 7},
	}
	for _, e := range events {
		data, err := Encode(e)
		if err != nil {
			t.Fatalf("encoding %s: %v", e.Kind(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decoding %s: %v", e.Kind(), err)
		}
		if got != e {
			t.Errorf("round trip mismatch: sent %+v, got %+v", e, got)
		}
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"id":"x","kind":"nonsense","payload":{}}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

type recordingHandler struct {
	events []Event
	fail   int // fail the first n deliveries
}

func (h *recordingHandler) Handle(_ context.Context, e Event) error {
	if h.fail > 0 {
		h.fail--
		return errors.New("transient")
	}
	h.events = append(h.events, e)
	return nil
}

func TestMemory_DrainDeliversInOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Publish(ctx, MasterMoved{Owner: "acme", Name: "lib"})
	m.Publish(ctx, PullRequestMoved{Owner: "acme", Name: "lib", Number: 1})

	h := &recordingHandler{}
	if err := m.Drain(ctx, h); err != nil {
		t.Fatalf("draining: %v", err)
	}
	if len(h.events) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(h.events))
	}
	if h.events[0].Kind() != KindMasterMoved || h.events[1].Kind() != KindPullRequestMoved {
		t.Errorf("unexpected delivery order: %v, %v", h.events[0].Kind(), h.events[1].Kind())
	}
}

func TestMemory_HandlerErrorRequeuesForRedelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Publish(ctx, PullRequestStatusUpdated{ProjectID: 1, Number: 2})

	h := &recordingHandler{fail: 1}
	if err := m.Drain(ctx, h); err == nil {
		t.Fatal("expected drain to surface the handler error")
	}
	if m.Len() != 1 {
		t.Fatalf("expected message requeued, queue len %d", m.Len())
	}

	if err := m.Drain(ctx, h); err != nil {
		t.Fatalf("redelivery drain: %v", err)
	}
	if len(h.events) != 1 {
		t.Errorf("expected 1 successful delivery after retry, got %d", len(h.events))
	}
}

func TestMemory_PublishAfterClose(t *testing.T) {
	m := NewMemory()
	m.Close()

	err := m.Publish(context.Background(), MasterMoved{Owner: "acme", Name: "lib"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
