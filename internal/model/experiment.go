package model

import (
	"time"

	"github.com/sells-group/meterlab/internal/apperr"
)

// ExperimentStatus represents the current state of an experiment.
type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "PENDING"
	ExperimentRunning   ExperimentStatus = "RUNNING"
	ExperimentCompleted ExperimentStatus = "COMPLETED"
	ExperimentFailed    ExperimentStatus = "FAILED"
)

// Experiment is one configured run of candidate generation over a dataset.
type Experiment struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	DatasetID          string           `json:"dataset_id"`
	Params             *RuleParams      `json:"params,omitempty"`
	Status             ExperimentStatus `json:"status"`
	CandidateCount     int64            `json:"candidate_count"`
	PositiveLabelCount int64            `json:"positive_label_count"`
	NegativeLabelCount int64            `json:"negative_label_count"`
	Stats              ExperimentStats  `json:"stats"`
	FailureReason      string           `json:"failure_reason,omitempty"`
	RunID              string           `json:"run_id,omitempty"` // set by each start
	Version            int64            `json:"version"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// ExperimentStats is the cached statistics blob of an experiment.
type ExperimentStats struct {
	Windows        int64            `json:"windows"`
	SkippedWindows int64            `json:"skipped_windows"`
	Shared         int64            `json:"shared,omitempty"`
	Unreviewed     int64            `json:"unreviewed"`
	Positive       int64            `json:"positive"`
	Negative       int64            `json:"negative"`
	ByLine         map[string]int64 `json:"by_line,omitempty"`
	ScoreMin       float64          `json:"score_min"`
	ScoreMax       float64          `json:"score_max"`
	ScoreMean      float64          `json:"score_mean"`
	LastScorerErr  string           `json:"last_scorer_error,omitempty"`
	GeneratedAt    *time.Time       `json:"generated_at,omitempty"`
	RecomputedAt   *time.Time       `json:"recomputed_at,omitempty"`
}

// RuleName identifies a detection rule.
type RuleName string

const (
	RuleThreshold RuleName = "threshold"
	RuleZScore    RuleName = "zscore"
	RuleDelta     RuleName = "delta"
)

// RuleParams holds the filtering parameters of an experiment. Exactly one of
// the per-rule blocks is set, matching Rule.
type RuleParams struct {
	Rule       RuleName         `json:"rule" yaml:"rule" validate:"required,oneof=threshold zscore delta"`
	Channel    Channel          `json:"channel,omitempty" yaml:"channel" validate:"omitempty,oneof=total raw_l1 raw_l2 w110 w220"`
	WindowSize int              `json:"window_size,omitempty" yaml:"window_size" validate:"gte=0,lte=1440"`
	Rooms      []string         `json:"rooms,omitempty" yaml:"rooms"`
	Range      TimeRange        `json:"range" yaml:"range"`
	Threshold  *ThresholdParams `json:"threshold,omitempty" yaml:"threshold"`
	ZScore     *ZScoreParams    `json:"zscore,omitempty" yaml:"zscore"`
	Delta      *DeltaParams     `json:"delta,omitempty" yaml:"delta"`
}

// ThresholdParams flags windows whose latest value reaches Threshold.
type ThresholdParams struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Below     bool    `json:"below,omitempty" yaml:"below"` // flag values at or below instead
}

// ZScoreParams flags windows whose latest value deviates K standard
// deviations from the window mean.
type ZScoreParams struct {
	K float64 `json:"k" yaml:"k" validate:"gt=0"`
}

// DeltaParams flags a step change of at least MinDelta between the last two
// values of a window.
type DeltaParams struct {
	MinDelta float64 `json:"min_delta" yaml:"min_delta" validate:"gt=0"`
}

// Validate checks field ranges and that the per-rule block matches Rule.
func (p RuleParams) Validate() error {
	if err := Validate("rule_params", string(p.Rule), p); err != nil {
		return err
	}
	set := 0
	for _, b := range []bool{p.Threshold != nil, p.ZScore != nil, p.Delta != nil} {
		if b {
			set++
		}
	}
	if set != 1 {
		return apperr.Validationf("rule_params", string(p.Rule), "exactly one rule block must be set, got %d", set)
	}
	switch p.Rule {
	case RuleThreshold:
		if p.Threshold == nil {
			return apperr.Validationf("rule_params", string(p.Rule), "threshold block required")
		}
	case RuleZScore:
		if p.ZScore == nil {
			return apperr.Validationf("rule_params", string(p.Rule), "zscore block required")
		}
		if p.WindowSize != 0 && p.WindowSize < 3 {
			return apperr.Validationf("rule_params", string(p.Rule), "zscore needs window_size >= 3")
		}
	case RuleDelta:
		if p.Delta == nil {
			return apperr.Validationf("rule_params", string(p.Rule), "delta block required")
		}
		if p.WindowSize == 1 {
			return apperr.Validationf("rule_params", string(p.Rule), "delta needs window_size >= 2")
		}
	}
	if !p.Range.From.IsZero() && !p.Range.To.IsZero() && !p.Range.To.After(p.Range.From) {
		return apperr.Validationf("rule_params", string(p.Rule), "range is empty")
	}
	return nil
}

// EffectiveWindow returns the window size, applying the per-rule default.
func (p RuleParams) EffectiveWindow() int {
	if p.WindowSize > 0 {
		return p.WindowSize
	}
	switch p.Rule {
	case RuleZScore:
		return 30
	case RuleDelta:
		return 2
	default:
		return 1
	}
}

// EffectiveChannel returns the channel, defaulting to the total.
func (p RuleParams) EffectiveChannel() Channel {
	if p.Channel == "" {
		return ChannelTotal
	}
	return p.Channel
}
