package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weltlinger/trunkline/pkg/calllog"
)

var _ calllog.Store = (*Store)(nil)

// Store is the PostgreSQL call log. All methods are safe for concurrent use;
// every live call writes independently through the shared pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("call log: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("call log: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call log: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// BeginCall implements [calllog.Store]. Replayed stream ids (a telephony
// system retrying its connection) keep the original row.
func (s *Store) BeginCall(ctx context.Context, call calllog.Call) error {
	const q = `
		INSERT INTO calls
		    (stream_sid, call_sid, account_sid, sample_rate, persona, params, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stream_sid) DO NOTHING`

	params := call.Params
	if params == nil {
		params = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, q,
		call.StreamSID,
		call.CallSID,
		call.AccountSID,
		call.SampleRate,
		call.Persona,
		params,
		call.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("call log: begin call: %w", err)
	}
	return nil
}

// EndCall implements [calllog.Store].
func (s *Store) EndCall(ctx context.Context, streamSID string, end calllog.End) error {
	const q = `
		UPDATE calls
		SET    ended_at = $2, end_reason = $3, end_error = $4
		WHERE  stream_sid = $1`

	tag, err := s.pool.Exec(ctx, q, streamSID, end.EndedAt, end.Reason, end.Error)
	if err != nil {
		return fmt.Errorf("call log: end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call log: end call: no call with stream id %q", streamSID)
	}
	return nil
}

// RecordEvent implements [calllog.Store].
func (s *Store) RecordEvent(ctx context.Context, streamSID string, evt calllog.Event) error {
	const q = `
		INSERT INTO call_events (stream_sid, at, kind, detail)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, streamSID, evt.At, evt.Kind, evt.Detail); err != nil {
		return fmt.Errorf("call log: record event: %w", err)
	}
	return nil
}

// RecordTranscript implements [calllog.Store].
func (s *Store) RecordTranscript(ctx context.Context, streamSID string, tr calllog.Transcript) error {
	const q = `
		INSERT INTO call_transcripts (stream_sid, at, speaker, text)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, streamSID, tr.At, tr.Speaker, tr.Text); err != nil {
		return fmt.Errorf("call log: record transcript: %w", err)
	}
	return nil
}

// Ping implements [calllog.Store]. Health checks route through it.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("call log: ping: %w", err)
	}
	return nil
}

// Close implements [calllog.Store]. It releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// RecentCalls returns up to limit calls ordered newest first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]calllog.Record, error) {
	const q = `
		SELECT stream_sid, call_sid, account_sid, sample_rate, persona, params,
		       started_at, ended_at, end_reason, end_error
		FROM   calls
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("call log: recent calls: %w", err)
	}
	return collectRecords(rows)
}

// Call returns the record for one stream id, or pgx.ErrNoRows wrapped when
// it was never logged.
func (s *Store) Call(ctx context.Context, streamSID string) (calllog.Record, error) {
	const q = `
		SELECT stream_sid, call_sid, account_sid, sample_rate, persona, params,
		       started_at, ended_at, end_reason, end_error
		FROM   calls
		WHERE  stream_sid = $1`

	rows, err := s.pool.Query(ctx, q, streamSID)
	if err != nil {
		return calllog.Record{}, fmt.Errorf("call log: get call: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return calllog.Record{}, err
	}
	if len(records) == 0 {
		return calllog.Record{}, fmt.Errorf("call log: get call %q: %w", streamSID, pgx.ErrNoRows)
	}
	return records[0], nil
}

// Transcript returns the call's transcript in utterance order.
func (s *Store) Transcript(ctx context.Context, streamSID string) ([]calllog.Transcript, error) {
	const q = `
		SELECT at, speaker, text
		FROM   call_transcripts
		WHERE  stream_sid = $1
		ORDER  BY at, id`

	rows, err := s.pool.Query(ctx, q, streamSID)
	if err != nil {
		return nil, fmt.Errorf("call log: get transcript: %w", err)
	}
	transcripts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.Transcript, error) {
		var tr calllog.Transcript
		err := row.Scan(&tr.At, &tr.Speaker, &tr.Text)
		return tr, err
	})
	if err != nil {
		return nil, fmt.Errorf("call log: scan transcript: %w", err)
	}
	if transcripts == nil {
		transcripts = []calllog.Transcript{}
	}
	return transcripts, nil
}

// Events returns the call's recorded events in order.
func (s *Store) Events(ctx context.Context, streamSID string) ([]calllog.Event, error) {
	const q = `
		SELECT at, kind, detail
		FROM   call_events
		WHERE  stream_sid = $1
		ORDER  BY at, id`

	rows, err := s.pool.Query(ctx, q, streamSID)
	if err != nil {
		return nil, fmt.Errorf("call log: get events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.Event, error) {
		var evt calllog.Event
		err := row.Scan(&evt.At, &evt.Kind, &evt.Detail)
		return evt, err
	})
	if err != nil {
		return nil, fmt.Errorf("call log: scan events: %w", err)
	}
	if events == nil {
		events = []calllog.Event{}
	}
	return events, nil
}

// collectRecords scans call rows, folding the nullable end columns into a
// *End that stays nil for live calls.
func collectRecords(rows pgx.Rows) ([]calllog.Record, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.Record, error) {
		var (
			rec     calllog.Record
			endedAt *time.Time
			reason  string
			endErr  string
		)
		if err := row.Scan(
			&rec.StreamSID,
			&rec.CallSID,
			&rec.AccountSID,
			&rec.SampleRate,
			&rec.Persona,
			&rec.Params,
			&rec.StartedAt,
			&endedAt,
			&reason,
			&endErr,
		); err != nil {
			return calllog.Record{}, err
		}
		if endedAt != nil {
			rec.End = &calllog.End{EndedAt: *endedAt, Reason: reason, Error: endErr}
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("call log: scan calls: %w", err)
	}
	if records == nil {
		records = []calllog.Record{}
	}
	return records, nil
}
