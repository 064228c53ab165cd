// Package postgres provides a PostgreSQL-backed [calllog.Store].
//
// One row in calls per bridged call, with append-only side tables for call
// events and transcripts. All writes are single statements so the store can
// absorb the bridge's best-effort fire-and-forget usage without transactions.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.BeginCall(ctx, call)
//	_ = store.RecordTranscript(ctx, call.StreamSID, tr)
//	_ = store.EndCall(ctx, call.StreamSID, end)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    stream_sid   TEXT         PRIMARY KEY,
    call_sid     TEXT         NOT NULL DEFAULT '',
    account_sid  TEXT         NOT NULL DEFAULT '',
    sample_rate  INTEGER      NOT NULL DEFAULT 0,
    persona      TEXT         NOT NULL DEFAULT '',
    params       JSONB        NOT NULL DEFAULT '{}',
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ,
    end_reason   TEXT         NOT NULL DEFAULT '',
    end_error    TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);

CREATE INDEX IF NOT EXISTS idx_calls_call_sid
    ON calls (call_sid);
`

const ddlCallEvents = `
CREATE TABLE IF NOT EXISTS call_events (
    id          BIGSERIAL    PRIMARY KEY,
    stream_sid  TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL,
    kind        TEXT         NOT NULL,
    detail      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_call_events_stream
    ON call_events (stream_sid, at);
`

const ddlCallTranscripts = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    stream_sid  TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_stream
    ON call_transcripts (stream_sid, at);
`

// Migrate creates or ensures all call-log tables exist. It is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlCallEvents, ddlCallTranscripts} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("call log migrate: %w", err)
		}
	}
	return nil
}
