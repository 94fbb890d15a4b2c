package risk

import (
	"strings"
	"testing"
	"time"

	"movara.org/internal/session"
)

func TestAssessWeightsAccumulate(t *testing.T) {
	s := NewScorer()
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	a := s.Assess(Input{
		FailedAttempts: 2,
		Alerts:         []session.Alert{{Kind: "ip_change"}},
		Sensitivity:    0.5,
		At:             at,
		NovelIP:        true,
	})
	// 2*8 + 15 + 0.5*30 + 10
	if a.Score != 56 {
		t.Fatalf("score = %d, want 56", a.Score)
	}
	if len(a.Factors) != 4 {
		t.Fatalf("factors = %v, want 4 entries", a.Factors)
	}
}

func TestAssessEscalatesRepeatedFailures(t *testing.T) {
	s := NewScorer()
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	three := s.Assess(Input{FailedAttempts: 3, At: at})
	five := s.Assess(Input{FailedAttempts: 5, At: at})
	if five.Score-three.Score <= 2*weightFailedAttempt {
		t.Fatalf("failures beyond the third should escalate: %d vs %d", three.Score, five.Score)
	}
}

func TestAssessOffHours(t *testing.T) {
	s := NewScorer()
	night := s.Assess(Input{Sensitivity: 0.5, At: time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)})
	day := s.Assess(Input{Sensitivity: 0.5, At: time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)})
	if night.Score != day.Score+weightOffHours {
		t.Fatalf("off-hours weight missing: night=%d day=%d", night.Score, day.Score)
	}
	found := false
	for _, f := range night.Factors {
		if strings.Contains(f, "off-hours") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected off-hours factor, got %v", night.Factors)
	}
}

func TestAssessCapsAtHundred(t *testing.T) {
	s := NewScorer()
	a := s.Assess(Input{
		FailedAttempts: 10,
		Alerts: []session.Alert{
			{Kind: "ip_change"}, {Kind: "user_agent_change"}, {Kind: "stale_session"},
		},
		Sensitivity: 1.0,
		At:          time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC),
		NovelIP:     true,
	})
	if a.Score != 100 {
		t.Fatalf("score = %d, want capped 100", a.Score)
	}
}

func TestExceedsCeiling(t *testing.T) {
	s := NewScorer(WithCeiling(50))
	if !s.Exceeds(Assessment{Score: 50}) {
		t.Fatalf("score at ceiling must exceed")
	}
	if s.Exceeds(Assessment{Score: 49}) {
		t.Fatalf("score below ceiling must not exceed")
	}
	if s.Ceiling() != 50 {
		t.Fatalf("ceiling = %d, want 50", s.Ceiling())
	}
}
