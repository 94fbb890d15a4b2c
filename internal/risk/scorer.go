package risk

import (
	"fmt"
	"time"

	"movara.org/internal/session"
)

const (
	maxScore       = 100
	defaultCeiling = 85

	weightFailedAttempt    = 8
	weightFailedEscalation = 15 // applied per failure beyond the third
	weightSessionAlert     = 15
	weightSensitivity      = 30
	weightOffHours         = 10
	weightNovelIP          = 10
)

// Input aggregates the signals a single evaluation feeds the scorer.
type Input struct {
	FailedAttempts int
	Alerts         []session.Alert
	Sensitivity    float64
	At             time.Time
	NovelIP        bool
}

// Assessment is a bounded score plus the human-readable reasons that
// produced it; the reasons travel with the audit event.
type Assessment struct {
	Score   int      `json:"score"`
	Factors []string `json:"factors,omitempty"`
}

// Scorer turns signals into a capped weighted score. It is a pure
// computation; all state lives with the callers.
type Scorer struct {
	ceiling int
}

// ScorerOption configures Scorer behavior.
type ScorerOption func(*Scorer)

// WithCeiling overrides the hard-deny ceiling.
func WithCeiling(n int) ScorerOption {
	return func(s *Scorer) {
		if n > 0 && n <= maxScore {
			s.ceiling = n
		}
	}
}

// NewScorer constructs a Scorer.
func NewScorer(opts ...ScorerOption) *Scorer {
	s := &Scorer{ceiling: defaultCeiling}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assess computes the weighted sum, capped at 100.
func (s *Scorer) Assess(in Input) Assessment {
	var (
		score   int
		factors []string
	)

	if in.FailedAttempts > 0 {
		score += in.FailedAttempts * weightFailedAttempt
		factors = append(factors, fmt.Sprintf("%d recent failed verification attempts", in.FailedAttempts))
		if in.FailedAttempts > 3 {
			extra := (in.FailedAttempts - 3) * weightFailedEscalation
			score += extra
			factors = append(factors, "failed attempts beyond lockout warning threshold")
		}
	}

	for _, a := range in.Alerts {
		score += weightSessionAlert
		factors = append(factors, "session alert: "+a.Kind)
	}

	if in.Sensitivity > 0 {
		score += int(in.Sensitivity * weightSensitivity)
		factors = append(factors, fmt.Sprintf("action sensitivity %.2f", in.Sensitivity))
	}

	if !in.At.IsZero() {
		hour := in.At.UTC().Hour()
		if hour < 6 {
			score += weightOffHours
			factors = append(factors, "off-hours activity")
		}
	}

	if in.NovelIP {
		score += weightNovelIP
		factors = append(factors, "request from an address not seen before")
	}

	if score > maxScore {
		score = maxScore
	}
	return Assessment{Score: score, Factors: factors}
}

// Exceeds reports whether the assessment crosses the hard-deny ceiling.
// The evaluator denies outright above it regardless of otherwise-valid
// permissions.
func (s *Scorer) Exceeds(a Assessment) bool {
	return a.Score >= s.ceiling
}

// Ceiling returns the configured hard-deny ceiling.
func (s *Scorer) Ceiling() int {
	return s.ceiling
}
