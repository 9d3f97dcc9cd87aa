package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		-- workflow definitions are versioned documents, one row per
		-- (name, version); the engine always loads the latest version
		create table if not exists definitions (
			id integer primary key autoincrement,
			name text not null,
			version integer not null,
			contents text not null,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),

			unique(name, version)
		);

		-- deployment environments with their approver lists; secrets
		-- for an environment live in the secret store, never here
		create table if not exists environments (
			name text primary key,
			approvers text not null -- json array
		);

		-- run history, keyed by run id; snapshot is the full
		-- WorkflowRun (jobs, steps) as json
		create table if not exists runs (
			id text primary key,
			workflow text not null,
			run_name text not null,
			status text not null,
			snapshot text not null, -- json
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text
		);

		-- append-only decision log for gated jobs
		create table if not exists approvals (
			id integer primary key autoincrement,
			run_id text not null,
			job_id text not null,
			approver text not null,
			decision text not null,
			decided_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);

		-- append-only status event log, consumed by the live stream
		create table if not exists events (
			id integer primary key autoincrement,
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
