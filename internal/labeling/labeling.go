// Package labeling is the review ledger: labels, event-label links and the
// review state machine of anomaly events.
package labeling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/candidate"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/monitoring"
	"github.com/sells-group/meterlab/internal/store"
)

// ManualRule is the rule name of events created by hand.
const ManualRule = "manual"

// Service implements the labeling ledger.
type Service struct {
	st  store.Store
	log *zap.Logger
}

// New creates a ledger over st.
func New(st store.Store) *Service {
	return &Service{st: st, log: zap.L().With(zap.String("component", "labeling"))}
}

// CreateLabel adds a label. Names are unique.
func (s *Service) CreateLabel(ctx context.Context, name, description string) (*model.Label, error) {
	if name == "" {
		return nil, apperr.Validationf(store.EntityLabel, "", "name is required")
	}
	l := &model.Label{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   model.NormalizeTime(time.Now()),
	}
	if err := s.st.InsertLabel(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ResolveLabel accepts a label id or name.
func (s *Service) ResolveLabel(ctx context.Context, ref string) (*model.Label, error) {
	l, err := s.st.GetLabel(ctx, ref)
	if apperr.Is(err, apperr.KindNotFound) {
		return s.st.GetLabelByName(ctx, ref)
	}
	return l, err
}

// ListLabels returns all labels by name.
func (s *Service) ListLabels(ctx context.Context) ([]model.Label, error) {
	return s.st.ListLabels(ctx)
}

// AttachLabel links the label to the event and reports whether the link is
// new. Attaching twice is harmless.
func (s *Service) AttachLabel(ctx context.Context, eventID, labelID string) (bool, error) {
	var created bool
	err := s.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		if err := linkSides(ctx, tx, eventID, labelID); err != nil {
			return err
		}
		var err error
		created, err = tx.InsertLink(ctx, eventID, labelID)
		return err
	})
	return created, err
}

// DetachLabel removes the link and reports whether it existed.
func (s *Service) DetachLabel(ctx context.Context, eventID, labelID string) (bool, error) {
	var removed bool
	err := s.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		if err := linkSides(ctx, tx, eventID, labelID); err != nil {
			return err
		}
		var err error
		removed, err = tx.DeleteLink(ctx, eventID, labelID)
		return err
	})
	return removed, err
}

func linkSides(ctx context.Context, tx store.Repo, eventID, labelID string) error {
	if _, err := tx.GetEvent(ctx, eventID); err != nil {
		return err
	}
	_, err := tx.GetLabel(ctx, labelID)
	return err
}

// LabelsForEvent returns the labels linked to an event.
func (s *Service) LabelsForEvent(ctx context.Context, eventID string) ([]model.Label, error) {
	if _, err := s.st.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	links, err := s.st.ListLinksByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Label, 0, len(links))
	for _, ln := range links {
		l, err := s.st.GetLabel(ctx, ln.LabelID)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, nil
}

// EventsForLabel returns the events linked to a label.
func (s *Service) EventsForLabel(ctx context.Context, labelID string) ([]model.Event, error) {
	if _, err := s.st.GetLabel(ctx, labelID); err != nil {
		return nil, err
	}
	links, err := s.st.ListLinksByLabel(ctx, labelID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(links))
	for _, ln := range links {
		ev, err := s.st.GetEvent(ctx, ln.EventID)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, nil
}

// GetEvent returns one event.
func (s *Service) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.st.GetEvent(ctx, id)
}

// EventQuery selects a page of events.
type EventQuery struct {
	ExperimentID string
	DatasetID    string
	Status       model.ReviewStatus
	Manual       bool
	Cursor       string
	Limit        int
}

// EventPage is one page of events. Next is empty on the last page.
type EventPage struct {
	Events []model.Event `json:"events"`
	Next   string        `json:"next,omitempty"`
}

// DefaultEventPage is the page size when EventQuery.Limit is unset.
const DefaultEventPage = 100

// ListEvents returns one page of events in (timestamp, id) order.
func (s *Service) ListEvents(ctx context.Context, q EventQuery) (*EventPage, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validationf(store.EntityEvent, "", "unknown status %q", q.Status)
	}
	after, err := store.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventPage
	}
	events, err := s.st.ListEvents(ctx, store.EventFilter{
		ExperimentID: q.ExperimentID,
		DatasetID:    q.DatasetID,
		Status:       q.Status,
		Manual:       q.Manual,
		After:        after,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	page := &EventPage{Events: events}
	if len(events) == limit {
		last := events[len(events)-1]
		page.Next = store.Cursor{TS: last.Timestamp, ID: last.ID}.Encode()
	}
	return page, nil
}

// ManualEvent describes an event raised by a reviewer rather than a rule.
type ManualEvent struct {
	DatasetID string    `json:"dataset_id" validate:"required"`
	Line      string    `json:"line" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Score     float64   `json:"score"`
	Notes     string    `json:"notes" validate:"max=2000"`
}

// CreateManualEvent records an UNREVIEWED event with no experiment. Its id is
// derived like a generated event's, with the rule "manual", so creating the
// same event twice is a conflict.
func (s *Service) CreateManualEvent(ctx context.Context, m ManualEvent) (*model.Event, error) {
	if err := model.Validate(store.EntityEvent, m.DatasetID, m); err != nil {
		return nil, err
	}
	ts := model.NormalizeTime(m.Timestamp)
	now := model.NormalizeTime(time.Now())
	ev := model.Event{
		ID:        candidate.EventID(m.DatasetID, m.Line, ts, ManualRule),
		DatasetID: m.DatasetID,
		Line:      m.Line,
		Timestamp: ts,
		RuleName:  ManualRule,
		Score:     m.Score,
		Status:    model.ReviewUnreviewed,
		Notes:     m.Notes,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		if _, err := tx.GetDataset(ctx, m.DatasetID); err != nil {
			return err
		}
		rows, err := tx.ListReadings(ctx, store.ReadingFilter{
			DatasetID: m.DatasetID,
			Range:     model.TimeRange{From: ts, To: ts.Add(time.Microsecond)},
			Rooms:     []string{m.Line},
			Limit:     1,
		})
		if err != nil {
			return err
		}
		for _, rd := range rows {
			ev.Window = append(ev.Window, model.WindowPoint{Timestamp: rd.Timestamp, Value: rd.WattageTotal})
		}
		n, err := tx.InsertEvents(ctx, []model.Event{ev})
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.Conflictf(store.EntityEvent, ev.ID, "event already exists for %s at %s", m.Line, ts.Format(time.RFC3339))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("manual event created", zap.String("event_id", ev.ID), zap.String("dataset_id", ev.DatasetID))
	return &ev, nil
}

// Review records the first decision on an UNREVIEWED event. In one
// transaction it updates the event, sets the label flag of the readings at
// the event's (timestamp, line) and increments the owning experiment's
// positive or negative counter. Reviewing an event that already carries a
// decision is a conflict; use Override to change it.
func (s *Service) Review(ctx context.Context, eventID, reviewerID string, decision model.ReviewStatus, notes string) (*model.Event, error) {
	if !decision.Decided() {
		return nil, apperr.Validationf(store.EntityEvent, eventID, "decision must be %s or %s, got %q",
			model.ReviewPositive, model.ReviewRejected, decision)
	}
	if reviewerID == "" {
		return nil, apperr.Validationf(store.EntityEvent, eventID, "reviewer is required")
	}
	ev, err := s.transition(ctx, eventID, reviewerID, decision, notes, func(cur *model.Event) error {
		if cur.Status != model.ReviewUnreviewed {
			return apperr.Conflictf(store.EntityEvent, cur.ID, "event is already %s", cur.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	monitoring.Reviews.WithLabelValues(string(decision), "false").Inc()
	s.log.Info("event reviewed",
		zap.String("event_id", ev.ID),
		zap.String("experiment_id", ev.ExperimentID),
		zap.String("reviewer", reviewerID),
		zap.String("decision", string(decision)),
	)
	return ev, nil
}

// Override replaces an event's decision, including reopening it to
// UNREVIEWED. Counters and reading flags follow the new status, so only the
// latest decision is ever counted. Overriding to the current status returns
// the event unchanged.
func (s *Service) Override(ctx context.Context, eventID, reviewerID string, status model.ReviewStatus, notes string) (*model.Event, error) {
	if !status.Valid() {
		return nil, apperr.Validationf(store.EntityEvent, eventID, "unknown status %q", status)
	}
	if reviewerID == "" {
		return nil, apperr.Validationf(store.EntityEvent, eventID, "reviewer is required")
	}
	var previous model.ReviewStatus
	ev, err := s.transition(ctx, eventID, reviewerID, status, notes, func(cur *model.Event) error {
		previous = cur.Status
		return nil
	})
	if err != nil {
		return nil, err
	}
	if previous == status {
		return ev, nil
	}
	monitoring.Reviews.WithLabelValues(string(status), "true").Inc()
	s.log.Warn("event review overridden",
		zap.String("event_id", ev.ID),
		zap.String("experiment_id", ev.ExperimentID),
		zap.String("reviewer", reviewerID),
		zap.String("from", string(previous)),
		zap.String("to", string(status)),
	)
	return ev, nil
}

// transition applies status to the event under the experiment, event,
// dataset lock order. check sees the locked event before anything changes.
func (s *Service) transition(ctx context.Context, eventID, reviewerID string, status model.ReviewStatus, notes string, check func(*model.Event) error) (*model.Event, error) {
	var out *model.Event
	err := s.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		peek, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if peek.ExperimentID != "" {
			if _, err := tx.LockExperiment(ctx, peek.ExperimentID); err != nil {
				return err
			}
		}
		ev, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if err := check(ev); err != nil {
			return err
		}
		if ev.Status == status {
			out = ev
			return nil
		}
		previous := ev.Status

		now := model.NormalizeTime(time.Now())
		ev.Status = status
		ev.ReviewerID = reviewerID
		ev.ReviewedAt = &now
		if status == model.ReviewUnreviewed {
			ev.ReviewedAt = nil
		}
		if notes != "" {
			ev.Notes = notes
		}
		if err := tx.UpdateEventReview(ctx, ev); err != nil {
			return err
		}

		if _, err := tx.LockDataset(ctx, ev.DatasetID); err != nil {
			return err
		}
		if status == model.ReviewUnreviewed {
			_, err = tx.ClearReadingsAt(ctx, ev.DatasetID, ev.Timestamp, ev.Line, ev.ID)
		} else {
			_, err = tx.LabelReadingsAt(ctx, ev.DatasetID, ev.Timestamp, ev.Line, status == model.ReviewPositive, ev.ID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.RefreshDatasetAggregates(ctx, ev.DatasetID); err != nil {
			return err
		}

		if ev.ExperimentID != "" {
			dPos, dNeg := counterDelta(previous, status)
			if err := tx.AddExperimentLabelCounts(ctx, ev.ExperimentID, dPos, dNeg); err != nil {
				return err
			}
		}
		monitoring.Transitions.WithLabelValues(store.EntityEvent, string(previous), string(status)).Inc()
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// counterDelta returns the change to an experiment's positive and negative
// counts when an event moves from one status to another.
func counterDelta(from, to model.ReviewStatus) (dPos, dNeg int64) {
	switch from {
	case model.ReviewPositive:
		dPos--
	case model.ReviewRejected:
		dNeg--
	}
	switch to {
	case model.ReviewPositive:
		dPos++
	case model.ReviewRejected:
		dNeg++
	}
	return dPos, dNeg
}
