package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

// CSV columns accepted by ImportCSV. timestamp, room and total are required.
const (
	colTimestamp = "timestamp"
	colRoom      = "room"
	colRawL1     = "raw_l1"
	colRawL2     = "raw_l2"
	col110V      = "w110"
	col220V      = "w220"
	colTotal     = "total"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// StreamReadingsCSV parses readings from r on a background goroutine. The
// first row is the header; columns are matched by name. Rows arrive on the
// first channel; a parse or read error is sent once on the second channel.
// Both channels close when parsing ends or ctx is done.
func StreamReadingsCSV(ctx context.Context, r io.Reader) (<-chan model.Reading, <-chan error) {
	rowCh := make(chan model.Reading, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.Comment = '#'

		header, err := reader.Read()
		if errors.Is(err, io.EOF) {
			errCh <- apperr.Validationf(store.EntityReading, "", "csv: missing header")
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}
		cols, err := headerIndex(header)
		if err != nil {
			errCh <- err
			return
		}

		line := 1
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			line++
			if err != nil {
				errCh <- eris.Wrapf(err, "csv: read line %d", line)
				return
			}
			rd, err := parseReading(cols, record, line)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case rowCh <- rd:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func headerIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, req := range []string{colTimestamp, colRoom, colTotal} {
		if _, ok := cols[req]; !ok {
			return nil, apperr.Validationf(store.EntityReading, "", "csv: header is missing column %q", req)
		}
	}
	return cols, nil
}

func parseReading(cols map[string]int, record []string, line int) (model.Reading, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	where := fmt.Sprintf("line %d", line)

	ts, err := parseTime(field(colTimestamp))
	if err != nil {
		return model.Reading{}, apperr.Validationf(store.EntityReading, where, "csv: %v", err)
	}
	rd := model.Reading{Timestamp: ts, Room: field(colRoom)}
	for _, c := range []struct {
		name     string
		dst      *float64
		required bool
	}{
		{colRawL1, &rd.RawWattageL1, false},
		{colRawL2, &rd.RawWattageL2, false},
		{col110V, &rd.Wattage110V, false},
		{col220V, &rd.Wattage220V, false},
		{colTotal, &rd.WattageTotal, true},
	} {
		raw := field(c.name)
		if raw == "" {
			if c.required {
				return model.Reading{}, apperr.Validationf(store.EntityReading, where, "csv: %s is empty", c.name)
			}
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.Reading{}, apperr.Validationf(store.EntityReading, where, "csv: %s: %q is not a number", c.name, raw)
		}
		*c.dst = v
	}
	return rd, nil
}

// parseTime accepts RFC 3339 or a zone-less layout, read as UTC.
func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return model.NormalizeTime(t), nil
		}
	}
	return time.Time{}, eris.Errorf("unparseable timestamp %q", s)
}

// ImportResult summarizes an ImportCSV call.
type ImportResult struct {
	Rows    int64          `json:"rows"`
	Batches int            `json:"batches"`
	Dataset *model.Dataset `json:"dataset"`
}

// ImportCSV streams readings from r into the dataset in batches of
// batchSize. Each batch commits on its own, so an error leaves earlier
// batches in place; re-running the import is safe because readings upsert
// by key.
func (s *Service) ImportCSV(ctx context.Context, datasetID string, r io.Reader, batchSize int) (*ImportResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if _, err := s.st.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rows, errs := StreamReadingsCSV(ctx, r)

	res := &ImportResult{}
	batch := make([]model.Reading, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		d, err := s.IngestFrom(ctx, "csv", datasetID, batch)
		if err != nil {
			return eris.Wrapf(err, "catalog: import batch %d", res.Batches+1)
		}
		res.Rows += int64(len(batch))
		res.Batches++
		res.Dataset = d
		batch = batch[:0]
		return nil
	}

	for rd := range rows {
		batch = append(batch, rd)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := <-errs; err != nil {
		return res, err
	}
	if err := flush(); err != nil {
		return res, err
	}
	if res.Dataset == nil {
		d, err := s.st.GetDataset(ctx, datasetID)
		if err != nil {
			return res, err
		}
		res.Dataset = d
	}
	return res, nil
}
