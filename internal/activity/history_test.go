package activity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sebas/crmphone/internal/phone/call"
	"github.com/sebas/crmphone/internal/phone/events"
)

func TestHistoryKeepsNewestFirst(t *testing.T) {
	h := NewHistory(3)
	ctx := context.Background()
	for i := range 5 {
		_ = h.Record(ctx, Activity{SessionID: fmt.Sprintf("sess-%d", i)})
	}
	_ = h.Record(ctx, Activity{SessionID: "sess-4"})

	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
	tests := []struct {
		limit int
		want  []string
	}{
		{0, []string{"sess-4", "sess-3", "sess-2"}},
		{2, []string{"sess-4", "sess-3"}},
		{10, []string{"sess-4", "sess-3", "sess-2"}},
	}
	for _, tt := range tests {
		got := h.Recent(tt.limit)
		ids := make([]string, len(got))
		for i, a := range got {
			ids[i] = a.SessionID
		}
		if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
			t.Errorf("Recent(%d) = %v, want %v", tt.limit, ids, tt.want)
		}
	}
}

func TestHistoryFedByTerminalEvents(t *testing.T) {
	bus := events.NewBus()
	h := NewHistory(0)
	l := NewLogger(h)
	l.Subscribe(context.Background(), bus)

	ctx := context.Background()
	_ = bus.Publish(ctx, events.New(events.Ringing).WithSession(*call.NewSession("sess-0", call.DirectionOutbound, "+33", time.Now())))
	_ = bus.Publish(ctx, events.New(events.CallFailed).WithSession(finishedSession(t, call.StatusFailed, "busy")))
	bus.Close()
	l.Wait()

	got := h.Recent(0)
	if len(got) != 1 {
		t.Fatalf("history holds %d calls, want 1", len(got))
	}
	if got[0].SessionID != "sess-1" || got[0].FailureReason != "busy" {
		t.Errorf("history entry = %+v, want sess-1 failed/busy", got[0])
	}
}
