package model

import "time"

// ReviewStatus is the review state of an anomaly candidate.
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "UNREVIEWED"
	ReviewPositive   ReviewStatus = "CONFIRMED_POSITIVE"
	ReviewRejected   ReviewStatus = "CONFIRMED_REJECTED"
)

// Decided reports whether s is a confirmed or rejected decision.
func (s ReviewStatus) Decided() bool {
	return s == ReviewPositive || s == ReviewRejected
}

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	return s == ReviewUnreviewed || s.Decided()
}

// Event is an anomaly candidate. ExperimentID is empty for manually created
// events, which are excluded from experiment aggregates.
type Event struct {
	ID           string        `json:"id"`
	DatasetID    string        `json:"dataset_id"`
	ExperimentID string        `json:"experiment_id,omitempty"`
	Line         string        `json:"line"`
	Timestamp    time.Time     `json:"timestamp"`
	RuleName     string        `json:"rule_name"`
	Score        float64       `json:"score"`
	Window       []WindowPoint `json:"window"`
	Status       ReviewStatus  `json:"status"`
	ReviewerID   string        `json:"reviewer_id,omitempty"`
	ReviewedAt   *time.Time    `json:"reviewed_at,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// WindowPoint is one sample of the window snapshot stored with an event.
type WindowPoint struct {
	Timestamp time.Time `json:"ts"`
	Value     float64   `json:"v"`
}

// Label is reference data attached to events.
type Label struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventLabelLink joins an event and a label. The pair is unique.
type EventLabelLink struct {
	EventID   string    `json:"event_id"`
	LabelID   string    `json:"label_id"`
	CreatedAt time.Time `json:"created_at"`
}
