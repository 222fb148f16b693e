package call

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionDurationRoundsToWholeSeconds(t *testing.T) {
	created := time.Unix(1700000000, 0)
	s := NewSession("s1", DirectionOutbound, "+33612345678", created)

	answered := created.Add(3 * time.Second)
	if err := s.MarkConnected(answered); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if !s.StartTime.Equal(answered) {
		t.Errorf("StartTime = %v, want connect time %v", s.StartTime, answered)
	}
	if s.Duration != nil {
		t.Errorf("Duration set while connected")
	}

	if err := s.Finish(StatusEnded, "", answered.Add(61600*time.Millisecond)); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got := s.DurationSeconds(); got != 62 {
		t.Errorf("DurationSeconds() = %d, want 62", got)
	}
	if s.EndTime == nil || s.EndTime.Before(s.StartTime) {
		t.Errorf("EndTime = %v, want >= StartTime", s.EndTime)
	}
}

func TestSessionFinishInvariants(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name      string
		connect   bool
		status    Status
		endOffset time.Duration
		wantErr   bool
		wantSecs  int64
	}{
		{"failed before connect", false, StatusFailed, 4 * time.Second, false, 4},
		{"ended after connect", true, StatusEnded, 1400 * time.Millisecond, false, 1},
		{"clock skew clamps to zero", true, StatusEnded, -time.Second, false, 0},
		{"non terminal rejected", false, StatusConnected, time.Second, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("s", DirectionInbound, "+33600000000", now)
			if tt.connect {
				_ = s.MarkConnected(now)
			}
			s.Muted, s.Held = true, true
			err := s.Finish(tt.status, "reason", now.Add(tt.endOffset))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Finish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if s.Duration != nil {
					t.Errorf("Duration set after rejected finish")
				}
				return
			}
			if got := s.DurationSeconds(); got != tt.wantSecs {
				t.Errorf("DurationSeconds() = %d, want %d", got, tt.wantSecs)
			}
			if s.Muted || s.Held {
				t.Errorf("flags not cleared on finish")
			}
		})
	}
}

func TestSessionFinishTwiceFails(t *testing.T) {
	now := time.Now()
	s := NewSession("s", DirectionOutbound, "+1", now)
	if err := s.Finish(StatusFailed, "cancelled", now); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	if err := s.Finish(StatusEnded, "", now.Add(time.Second)); err == nil {
		t.Errorf("second finish should fail")
	}
	if s.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", s.Status)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	now := time.Now()
	s := NewSession("s", DirectionOutbound, "+1", now)
	_ = s.Finish(StatusFailed, "busy", now.Add(2*time.Second))

	snap := s.Snapshot()
	*snap.Duration = 99
	if s.DurationSeconds() == 99 {
		t.Errorf("snapshot shares duration storage with the session")
	}
}

func TestOfferSingleUse(t *testing.T) {
	var answers, rejects int
	o := NewOffer("s", "+33600000000", "ref",
		func(context.Context) error { answers++; return nil },
		func(context.Context) error { rejects++; return errors.New("boom") },
	)

	if err := o.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := o.Answer(context.Background()); err != nil {
		t.Errorf("second Answer: %v", err)
	}
	if err := o.Reject(context.Background()); err != nil {
		t.Errorf("Reject after Answer: %v", err)
	}
	if answers != 1 || rejects != 0 {
		t.Errorf("answers=%d rejects=%d, want 1 and 0", answers, rejects)
	}
	if !o.Used() {
		t.Errorf("Used() = false after Answer")
	}
}
