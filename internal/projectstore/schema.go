package projectstore

// Schema is the DDL for the three tables PostgresStore assumes exist. It is
// exposed as a constant rather than applied automatically — migrations are
// the host's responsibility, not this package's.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	geometry BYTEA NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	thumbnail_id UUID,
	thumbnail BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS project_versions (
	project_id UUID NOT NULL REFERENCES projects(id),
	number INT NOT NULL,
	geometry BYTEA NOT NULL,
	change_note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (project_id, number)
);

CREATE TABLE IF NOT EXISTS project_results (
	id BIGSERIAL PRIMARY KEY,
	project_id UUID NOT NULL REFERENCES projects(id),
	result BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`
