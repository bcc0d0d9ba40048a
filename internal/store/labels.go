package store

import (
	"context"

	"github.com/sells-group/meterlab/internal/model"
)

const labelColumns = `id, name, description, created_at`

func scanLabel(row row) (*model.Label, error) {
	var l model.Label
	if err := row.Scan(&l.ID, &l.Name, &l.Description, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

func (r repo) InsertLabel(ctx context.Context, l *model.Label) error {
	_, err := r.q.exec(ctx, `INSERT INTO labels (`+labelColumns+`) VALUES (?, ?, ?, ?)`,
		l.ID, l.Name, l.Description, model.NormalizeTime(l.CreatedAt))
	if err != nil {
		return r.fail(err, "insert label", EntityLabel, l.Name)
	}
	return nil
}

func (r repo) GetLabel(ctx context.Context, id string) (*model.Label, error) {
	l, err := scanLabel(r.q.queryRow(ctx, `SELECT `+labelColumns+` FROM labels WHERE id = ?`, id))
	if err != nil {
		return nil, r.fail(err, "get label", EntityLabel, id)
	}
	return l, nil
}

func (r repo) GetLabelByName(ctx context.Context, name string) (*model.Label, error) {
	l, err := scanLabel(r.q.queryRow(ctx, `SELECT `+labelColumns+` FROM labels WHERE name = ?`, name))
	if err != nil {
		return nil, r.fail(err, "get label by name", EntityLabel, name)
	}
	return l, nil
}

func (r repo) ListLabels(ctx context.Context) ([]model.Label, error) {
	rs, err := r.q.query(ctx, `SELECT `+labelColumns+` FROM labels ORDER BY name`)
	if err != nil {
		return nil, r.fail(err, "list labels", EntityLabel, "")
	}
	defer rs.Close()

	var out []model.Label
	for rs.Next() {
		l, err := scanLabel(rs)
		if err != nil {
			return nil, r.fail(err, "scan label", EntityLabel, "")
		}
		out = append(out, *l)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list labels", EntityLabel, "")
	}
	return out, nil
}

// InsertLink creates the (event, label) link and reports whether it was new.
func (r repo) InsertLink(ctx context.Context, eventID, labelID string) (bool, error) {
	n, err := r.q.exec(ctx,
		`INSERT INTO event_labels (event_id, label_id, created_at) VALUES (?, ?, ?) ON CONFLICT (event_id, label_id) DO NOTHING`,
		eventID, labelID, now())
	if err != nil {
		return false, r.fail(err, "insert event label", EntityLink, eventID+"/"+labelID)
	}
	return n > 0, nil
}

// DeleteLink removes the (event, label) link and reports whether it existed.
func (r repo) DeleteLink(ctx context.Context, eventID, labelID string) (bool, error) {
	n, err := r.q.exec(ctx, `DELETE FROM event_labels WHERE event_id = ? AND label_id = ?`, eventID, labelID)
	if err != nil {
		return false, r.fail(err, "delete event label", EntityLink, eventID+"/"+labelID)
	}
	return n > 0, nil
}

func (r repo) ListLinksByEvent(ctx context.Context, eventID string) ([]model.EventLabelLink, error) {
	return r.listLinks(ctx, `event_id = ?`, eventID)
}

func (r repo) ListLinksByLabel(ctx context.Context, labelID string) ([]model.EventLabelLink, error) {
	return r.listLinks(ctx, `label_id = ?`, labelID)
}

func (r repo) listLinks(ctx context.Context, cond, id string) ([]model.EventLabelLink, error) {
	rs, err := r.q.query(ctx,
		`SELECT event_id, label_id, created_at FROM event_labels WHERE `+cond+` ORDER BY event_id, label_id`, id)
	if err != nil {
		return nil, r.fail(err, "list event labels", EntityLink, id)
	}
	defer rs.Close()

	var out []model.EventLabelLink
	for rs.Next() {
		var l model.EventLabelLink
		if err := rs.Scan(&l.EventID, &l.LabelID, &l.CreatedAt); err != nil {
			return nil, r.fail(err, "scan event label", EntityLink, id)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list event labels", EntityLink, id)
	}
	return out, nil
}
