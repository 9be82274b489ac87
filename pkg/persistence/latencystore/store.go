// Package latencystore keeps completed request round trips in SQL so latency
// statistics survive restarts.
package latencystore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/vrf-timer/pkg/timeline"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Entry is one completed round trip.
type Entry struct {
	RequestID     string
	TxHash        string
	SubmissionKey string
	Initiator     string
	Result        string
	StartMs       int64
	EndMs         int64
	LatencyMs     int64
	RecordedAtMs  int64
}

type Stats struct {
	Count  int
	MeanMs float64
	P50Ms  int64
	P95Ms  int64
	MaxMs  int64
}

type Store struct {
	db     *sql.DB
	driver string
}

func Open(driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("latency store: empty dsn")
	}
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, errors.Errorf("latency store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "latency store: open")
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS completed_requests (
		  request_id TEXT PRIMARY KEY,
		  tx_hash TEXT NOT NULL DEFAULT '',
		  submission_key TEXT NOT NULL DEFAULT '',
		  initiator TEXT NOT NULL DEFAULT '',
		  result TEXT NOT NULL,
		  start_ms BIGINT NOT NULL,
		  end_ms BIGINT NOT NULL,
		  latency_ms BIGINT NOT NULL,
		  recorded_at_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS completed_requests_by_end
		  ON completed_requests(end_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "latency store: migrate")
		}
	}
	return nil
}

// Record stores a terminal record. Orphans and non-terminal records are skipped.
// It reports whether a row was written; the first write for a request id wins.
func (s *Store) Record(ctx context.Context, rec timeline.Record) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("latency store: db is nil")
	}
	if rec.State() != timeline.StateTerminal || rec.StartTime.IsZero() || rec.RequestID.IsZero() {
		return false, nil
	}
	v := rec.View(rec.EndTime)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO completed_requests (
			request_id, tx_hash, submission_key, initiator, result,
			start_ms, end_ms, latency_ms, recorded_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`), v.RequestID, v.TxHash, v.SubmissionKey, v.Initiator, v.Result,
		v.StartTimeMs, v.EndTimeMs, v.EndTimeMs-v.StartTimeMs, time.Now().UnixMilli())
	if err != nil {
		return false, errors.Wrap(err, "latency store: insert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "latency store: rows affected")
	}
	return n > 0, nil
}

// Recent returns the latest completed requests, newest end time first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("latency store: db is nil")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT request_id, tx_hash, submission_key, initiator, result,
		       start_ms, end_ms, latency_ms, recorded_at_ms
		FROM completed_requests
		ORDER BY end_ms DESC, request_id ASC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "latency store: query recent")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RequestID, &e.TxHash, &e.SubmissionKey, &e.Initiator, &e.Result,
			&e.StartMs, &e.EndMs, &e.LatencyMs, &e.RecordedAtMs); err != nil {
			return nil, errors.Wrap(err, "latency store: scan")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "latency store: rows")
	}
	return out, nil
}

// Stats summarises every stored latency. Percentiles use the nearest-rank method.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, errors.New("latency store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT latency_ms FROM completed_requests ORDER BY latency_ms ASC`)
	if err != nil {
		return Stats{}, errors.Wrap(err, "latency store: query latencies")
	}
	defer func() { _ = rows.Close() }()

	var latencies []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return Stats{}, errors.Wrap(err, "latency store: scan")
		}
		latencies = append(latencies, v)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, errors.Wrap(err, "latency store: rows")
	}
	return Summarize(latencies), nil
}

// Summarize computes stats over latencies sorted ascending.
func Summarize(sorted []int64) Stats {
	if len(sorted) == 0 {
		return Stats{}
	}
	var sum int64
	for _, v := range sorted {
		sum += v
	}
	return Stats{
		Count:  len(sorted),
		MeanMs: float64(sum) / float64(len(sorted)),
		P50Ms:  nearestRank(sorted, 50),
		P95Ms:  nearestRank(sorted, 95),
		MaxMs:  sorted[len(sorted)-1],
	}
}

func nearestRank(sorted []int64, p int) int64 {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLiteDSNForFile builds a DSN for a SQLite file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("latency store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
