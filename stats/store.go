// Package stats records collection cycles in a SQLite database.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/minigc/vm"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("minigc.stats")

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	vm          TEXT    NOT NULL,
	cycle       INTEGER NOT NULL,
	reason      TEXT    NOT NULL,
	live_before INTEGER NOT NULL,
	collected   INTEGER NOT NULL,
	remaining   INTEGER NOT NULL,
	threshold   INTEGER NOT NULL,
	weak_freed  INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	at_ns       INTEGER NOT NULL,
	PRIMARY KEY (vm, cycle)
)`

// Record is one stored collection cycle.
type Record struct {
	VM        string
	Cycle     uint64
	Reason    string
	Before    int
	Collected int
	Remaining int
	Threshold int
	WeakFreed int
	Duration  time.Duration
	At        time.Time
}

// Summary aggregates the cycles of one VM.
type Summary struct {
	Cycles        int
	Collected     int
	PeakLive      int
	LastRemaining int
}

// Store is a collection history backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stats: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases from splitting per
	// connection and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("stats: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores one cycle of the VM identified by vmID.
func (s *Store) Record(ctx context.Context, vmID string, st *vm.CollectionStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections
			(vm, cycle, reason, live_before, collected, remaining, threshold, weak_freed, duration_ns, at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vmID, int64(st.Cycle), st.Reason.String(), st.Before, st.Collected, st.Remaining,
		st.Threshold, st.WeakFreed, int64(st.Duration), st.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("stats: record cycle %d of %s: %w", st.Cycle, vmID, err)
	}
	return nil
}

// Attach records every cycle of v from now on. Write failures are logged;
// they never affect the VM.
func (s *Store) Attach(ctx context.Context, v *vm.VM) {
	id := v.ID().String()
	v.OnCollect(func(st *vm.CollectionStats) {
		if err := s.Record(ctx, id, st); err != nil {
			log.Errorf("%s", err)
		}
	})
}

// History returns the recorded cycles of vmID in cycle order.
func (s *Store) History(ctx context.Context, vmID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vm, cycle, reason, live_before, collected, remaining, threshold, weak_freed, duration_ns, at_ns
		 FROM collections WHERE vm = ? ORDER BY cycle`, vmID)
	if err != nil {
		return nil, fmt.Errorf("stats: query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r     Record
			cycle int64
			dur   int64
			at    int64
		)
		if err := rows.Scan(&r.VM, &cycle, &r.Reason, &r.Before, &r.Collected, &r.Remaining,
			&r.Threshold, &r.WeakFreed, &dur, &at); err != nil {
			return nil, fmt.Errorf("stats: scan history: %w", err)
		}
		r.Cycle = uint64(cycle)
		r.Duration = time.Duration(dur)
		r.At = time.Unix(0, at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats: read history: %w", err)
	}
	return out, nil
}

// VMs returns the IDs of every VM with recorded cycles, sorted.
func (s *Store) VMs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT vm FROM collections ORDER BY vm`)
	if err != nil {
		return nil, fmt.Errorf("stats: query vms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("stats: scan vms: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats: read vms: %w", err)
	}
	return out, nil
}

// Summary aggregates the recorded cycles of vmID.
func (s *Store) Summary(ctx context.Context, vmID string) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(collected), 0), COALESCE(MAX(live_before), 0)
		 FROM collections WHERE vm = ?`, vmID).Scan(&sum.Cycles, &sum.Collected, &sum.PeakLive)
	if err != nil {
		return Summary{}, fmt.Errorf("stats: summary: %w", err)
	}
	if sum.Cycles == 0 {
		return sum, nil
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT remaining FROM collections WHERE vm = ? ORDER BY cycle DESC LIMIT 1`,
		vmID).Scan(&sum.LastRemaining)
	if err != nil {
		return Summary{}, fmt.Errorf("stats: summary: %w", err)
	}
	return sum, nil
}
