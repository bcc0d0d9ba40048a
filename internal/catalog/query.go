package catalog

import (
	"context"
	"iter"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

// Query returns the dataset's readings in (timestamp, room) order,
// restricted to tr and, when given, to rooms. The sequence is lazy: pages
// are fetched as it is consumed, and every range over it starts again from
// the beginning.
func (s *Service) Query(ctx context.Context, datasetID string, tr model.TimeRange, rooms []string) (iter.Seq2[model.Reading, error], error) {
	if _, err := s.st.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}
	return Readings(ctx, s.st, store.ReadingFilter{DatasetID: datasetID, Range: tr, Rooms: rooms}, s.pageSize), nil
}

// Readings pages through ListReadings with a keyset cursor. No rows are held
// open between pages, so the sequence can be consumed while other
// statements run on the same store. A failed page yields the error once
// and ends the sequence.
func Readings(ctx context.Context, r store.Repo, f store.ReadingFilter, pageSize int) iter.Seq2[model.Reading, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(model.Reading, error) bool) {
		page := f
		page.Limit = pageSize
		for {
			if err := ctx.Err(); err != nil {
				yield(model.Reading{}, eris.Wrap(err, "catalog: query readings"))
				return
			}
			rows, err := r.ListReadings(ctx, page)
			if err != nil {
				yield(model.Reading{}, err)
				return
			}
			for _, rd := range rows {
				if !yield(rd, nil) {
					return
				}
			}
			if len(rows) < pageSize {
				return
			}
			last := rows[len(rows)-1]
			page.After = &store.ReadingKey{Timestamp: last.Timestamp, Room: last.Room}
		}
	}
}
