// Package candidate turns readings into anomaly candidates. A Scorer judges
// one sliding window of a room's readings; the Generator drives it over a
// dataset and persists the flagged windows as events.
package candidate

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
)

// Verdict is a scorer's judgement of one window.
type Verdict struct {
	Score     float64 `json:"score"`
	IsAnomaly bool    `json:"is_anomaly"`
}

// Scorer judges an ordered window of readings from one room. The last
// reading is the one a candidate is reported at. Scorers must be pure.
type Scorer func(window []model.Reading) (Verdict, error)

// ErrNonFinite is returned for windows holding NaN or infinite values.
var ErrNonFinite = eris.New("window holds a non-finite value")

// NewScorer builds the scorer for the rule named in p.
func NewScorer(p model.RuleParams) (Scorer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ch := p.EffectiveChannel()
	switch p.Rule {
	case model.RuleThreshold:
		return thresholdScorer(ch, *p.Threshold), nil
	case model.RuleZScore:
		return zscoreScorer(ch, *p.ZScore), nil
	case model.RuleDelta:
		return deltaScorer(ch, *p.Delta), nil
	}
	return nil, apperr.Validationf("rule_params", string(p.Rule), "unknown rule")
}

func values(window []model.Reading, ch model.Channel) ([]float64, error) {
	if len(window) == 0 {
		return nil, eris.New("empty window")
	}
	vals := make([]float64, len(window))
	for i, r := range window {
		v := r.Value(ch)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, eris.Wrapf(ErrNonFinite, "room %s at %s", r.Room, r.Timestamp)
		}
		vals[i] = v
	}
	return vals, nil
}

// thresholdScorer scores the latest value and flags it at or past the threshold.
func thresholdScorer(ch model.Channel, p model.ThresholdParams) Scorer {
	return func(window []model.Reading) (Verdict, error) {
		vals, err := values(window, ch)
		if err != nil {
			return Verdict{}, err
		}
		last := vals[len(vals)-1]
		hit := last >= p.Threshold
		if p.Below {
			hit = last <= p.Threshold
		}
		return Verdict{Score: last, IsAnomaly: hit}, nil
	}
}

// zscoreScorer compares the latest value with the mean and deviation of the
// values before it. A flat history scores zero.
func zscoreScorer(ch model.Channel, p model.ZScoreParams) Scorer {
	return func(window []model.Reading) (Verdict, error) {
		vals, err := values(window, ch)
		if err != nil {
			return Verdict{}, err
		}
		if len(vals) < 3 {
			return Verdict{}, eris.Errorf("zscore needs at least 3 readings, got %d", len(vals))
		}
		hist, last := vals[:len(vals)-1], vals[len(vals)-1]
		var mean float64
		for _, v := range hist {
			mean += v
		}
		mean /= float64(len(hist))
		var ss float64
		for _, v := range hist {
			ss += (v - mean) * (v - mean)
		}
		std := math.Sqrt(ss / float64(len(hist)-1))
		if std == 0 {
			return Verdict{}, nil
		}
		z := math.Abs(last-mean) / std
		return Verdict{Score: z, IsAnomaly: z >= p.K}, nil
	}
}

// deltaScorer flags a step between the last two values.
func deltaScorer(ch model.Channel, p model.DeltaParams) Scorer {
	return func(window []model.Reading) (Verdict, error) {
		vals, err := values(window, ch)
		if err != nil {
			return Verdict{}, err
		}
		if len(vals) < 2 {
			return Verdict{}, eris.New("delta needs at least 2 readings")
		}
		d := math.Abs(vals[len(vals)-1] - vals[len(vals)-2])
		return Verdict{Score: d, IsAnomaly: d >= p.MinDelta}, nil
	}
}
