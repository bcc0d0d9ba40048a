package model

import (
	"time"

	"github.com/sells-group/meterlab/internal/apperr"
)

// Dataset is a curated window of submetering readings for one location.
type Dataset struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Building       string    `json:"building,omitempty"`
	Floor          string    `json:"floor,omitempty"`
	Room           string    `json:"room,omitempty"`
	OccupantType   string    `json:"occupant_type,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	SourceL1ID     string    `json:"source_l1_id"`
	SourceL2ID     string    `json:"source_l2_id"`
	TotalRecords   int64     `json:"total_records"`
	PositiveLabels int64     `json:"positive_labels"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DatasetSpec is the curation request for a new dataset.
type DatasetSpec struct {
	Name         string    `json:"name" yaml:"name" validate:"required,max=200"`
	Building     string    `json:"building" yaml:"building" validate:"max=100"`
	Floor        string    `json:"floor" yaml:"floor" validate:"max=50"`
	Room         string    `json:"room" yaml:"room" validate:"max=100"`
	OccupantType string    `json:"occupant_type" yaml:"occupant_type" validate:"max=50"`
	StartTime    time.Time `json:"start_time" yaml:"start_time" validate:"required"`
	EndTime      time.Time `json:"end_time" yaml:"end_time" validate:"required"`
	SourceL1ID   string    `json:"source_l1_id" yaml:"source_l1_id" validate:"required"`
	SourceL2ID   string    `json:"source_l2_id" yaml:"source_l2_id" validate:"required"`
}

// Validate checks field constraints and that the time window is non-empty.
func (s DatasetSpec) Validate() error {
	if err := Validate("dataset", s.Name, s); err != nil {
		return err
	}
	if !s.EndTime.After(s.StartTime) {
		return apperr.Validationf("dataset", s.Name, "time window is empty: %s .. %s",
			s.StartTime.Format(time.RFC3339), s.EndTime.Format(time.RFC3339))
	}
	return nil
}

// Channel names one wattage series of a reading.
type Channel string

const (
	ChannelTotal Channel = "total"
	ChannelRawL1 Channel = "raw_l1"
	ChannelRawL2 Channel = "raw_l2"
	Channel110V  Channel = "w110"
	Channel220V  Channel = "w220"
)

// Reading is one per-minute row for a (dataset, timestamp, room).
type Reading struct {
	ID              string    `json:"id"`
	DatasetID       string    `json:"dataset_id"`
	Timestamp       time.Time `json:"timestamp"`
	Room            string    `json:"room"`
	RawWattageL1    float64   `json:"raw_wattage_l1"`
	RawWattageL2    float64   `json:"raw_wattage_l2"`
	Wattage110V     float64   `json:"wattage_110v"`
	Wattage220V     float64   `json:"wattage_220v"`
	WattageTotal    float64   `json:"wattage_total"`
	IsPositiveLabel bool      `json:"is_positive_label"`
	SourceEventID   string    `json:"source_event_id,omitempty"` // provenance
}

// Value returns the wattage of the given channel. Unknown channels read the total.
func (r Reading) Value(ch Channel) float64 {
	switch ch {
	case ChannelRawL1:
		return r.RawWattageL1
	case ChannelRawL2:
		return r.RawWattageL2
	case Channel110V:
		return r.Wattage110V
	case Channel220V:
		return r.Wattage220V
	default:
		return r.WattageTotal
	}
}

// TimeRange is a half-open interval [From, To). Zero bounds are open.
type TimeRange struct {
	From time.Time `json:"from,omitzero" yaml:"from"`
	To   time.Time `json:"to,omitzero" yaml:"to"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// NormalizeTime converts t to UTC at microsecond precision so timestamps
// compare equal across both store backends.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
