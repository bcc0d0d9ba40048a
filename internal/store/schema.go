package store

// schemaTemplate is rendered per dialect by replacing the {{...}} type tokens.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS datasets (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	building        TEXT NOT NULL DEFAULT '',
	floor           TEXT NOT NULL DEFAULT '',
	room            TEXT NOT NULL DEFAULT '',
	occupant_type   TEXT NOT NULL DEFAULT '',
	start_time      {{TS}} NOT NULL,
	end_time        {{TS}} NOT NULL,
	source_l1_id    TEXT NOT NULL,
	source_l2_id    TEXT NOT NULL,
	total_records   {{BIGINT}} NOT NULL DEFAULT 0,
	positive_labels {{BIGINT}} NOT NULL DEFAULT 0,
	created_at      {{TS}} NOT NULL,
	updated_at      {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL UNIQUE,
	dataset_id           TEXT NOT NULL REFERENCES datasets(id),
	params               {{JSON}},
	status               TEXT NOT NULL,
	candidate_count      {{BIGINT}} NOT NULL DEFAULT 0,
	positive_label_count {{BIGINT}} NOT NULL DEFAULT 0,
	negative_label_count {{BIGINT}} NOT NULL DEFAULT 0,
	stats                {{JSON}} NOT NULL,
	failure_reason       TEXT NOT NULL DEFAULT '',
	run_id               TEXT NOT NULL DEFAULT '',
	version              {{BIGINT}} NOT NULL DEFAULT 1,
	created_at           {{TS}} NOT NULL,
	updated_at           {{TS}} NOT NULL,
	started_at           {{TS}},
	completed_at         {{TS}},
	CHECK (positive_label_count + negative_label_count <= candidate_count)
);

CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	dataset_id      TEXT NOT NULL REFERENCES datasets(id),
	experiment_id   TEXT REFERENCES experiments(id),
	line            TEXT NOT NULL,
	ts              {{TS}} NOT NULL,
	rule_name       TEXT NOT NULL,
	score           {{FLOAT}} NOT NULL,
	window_snapshot {{JSON}} NOT NULL,
	status          TEXT NOT NULL,
	reviewer_id     TEXT NOT NULL DEFAULT '',
	reviewed_at     {{TS}},
	notes           TEXT NOT NULL DEFAULT '',
	version         {{BIGINT}} NOT NULL DEFAULT 1,
	created_at      {{TS}} NOT NULL,
	updated_at      {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS readings (
	id                TEXT PRIMARY KEY,
	dataset_id        TEXT NOT NULL REFERENCES datasets(id),
	ts                {{TS}} NOT NULL,
	room              TEXT NOT NULL,
	raw_l1            {{FLOAT}} NOT NULL DEFAULT 0,
	raw_l2            {{FLOAT}} NOT NULL DEFAULT 0,
	w110              {{FLOAT}} NOT NULL DEFAULT 0,
	w220              {{FLOAT}} NOT NULL DEFAULT 0,
	total             {{FLOAT}} NOT NULL DEFAULT 0,
	is_positive_label {{BOOL}} NOT NULL DEFAULT {{FALSE}},
	source_event_id   TEXT REFERENCES events(id),
	UNIQUE (dataset_id, ts, room)
);

CREATE TABLE IF NOT EXISTS labels (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at  {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS event_labels (
	event_id   TEXT NOT NULL REFERENCES events(id),
	label_id   TEXT NOT NULL REFERENCES labels(id),
	created_at {{TS}} NOT NULL,
	PRIMARY KEY (event_id, label_id)
);

CREATE TABLE IF NOT EXISTS trained_models (
	id             TEXT PRIMARY KEY,
	experiment_id  TEXT NOT NULL REFERENCES experiments(id),
	scenario       TEXT NOT NULL,
	status         TEXT NOT NULL,
	config         {{JSON}} NOT NULL,
	data_source    {{JSON}} NOT NULL,
	job_id         TEXT NOT NULL UNIQUE,
	artifact_path  TEXT NOT NULL DEFAULT '',
	metrics        {{JSON}},
	logs           TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	version        {{BIGINT}} NOT NULL DEFAULT 1,
	created_at     {{TS}} NOT NULL,
	updated_at     {{TS}} NOT NULL,
	dispatched_at  {{TS}},
	started_at     {{TS}},
	completed_at   {{TS}}
);

CREATE TABLE IF NOT EXISTS evaluation_runs (
	id               TEXT PRIMARY KEY,
	trained_model_id TEXT NOT NULL REFERENCES trained_models(id),
	test_set         {{JSON}} NOT NULL,
	status           TEXT NOT NULL,
	job_id           TEXT NOT NULL UNIQUE,
	metrics          {{JSON}},
	logs             TEXT NOT NULL DEFAULT '',
	failure_reason   TEXT NOT NULL DEFAULT '',
	version          {{BIGINT}} NOT NULL DEFAULT 1,
	created_at       {{TS}} NOT NULL,
	updated_at       {{TS}} NOT NULL,
	dispatched_at    {{TS}},
	started_at       {{TS}},
	completed_at     {{TS}}
);

CREATE TABLE IF NOT EXISTS predictions (
	evaluation_run_id TEXT NOT NULL REFERENCES evaluation_runs(id),
	ts                {{TS}} NOT NULL,
	score             {{FLOAT}} NOT NULL,
	ground_truth      {{BOOL}},
	PRIMARY KEY (evaluation_run_id, ts)
);

CREATE INDEX IF NOT EXISTS idx_experiments_dataset ON experiments(dataset_id);
CREATE INDEX IF NOT EXISTS idx_events_experiment_status ON events(experiment_id, status);
CREATE INDEX IF NOT EXISTS idx_events_dataset_ts_line ON events(dataset_id, ts, line);
CREATE INDEX IF NOT EXISTS idx_event_labels_label ON event_labels(label_id);
CREATE INDEX IF NOT EXISTS idx_trained_models_experiment_status ON trained_models(experiment_id, status);
CREATE INDEX IF NOT EXISTS idx_evaluation_runs_model_status ON evaluation_runs(trained_model_id, status);
`

func (d dialect) schema() string {
	return d.types.Replace(schemaTemplate)
}
