package usage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tidyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Sample is one point-in-time reading of system load.
type Sample struct {
	At            time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskIOPercent float64
}

// Slot is an aggregated minute-of-day bucket for a single weekday,
// averaged over every stored sample that fell into it.
type Slot struct {
	Hour          int
	Minute        int
	CPUPercent    float64
	MemoryPercent float64
	DiskIOPercent float64
}

// Load is the combined metric used to rank slots. Lower is quieter.
func (s Slot) Load() float64 {
	return s.CPUPercent + s.MemoryPercent + s.DiskIOPercent
}

// Store persists usage samples in SQLite.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// OpenStore opens (creating if needed) the usage database at path and
// applies the schema.
func OpenStore(path string, busyTimeout time.Duration, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("usage db path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert stores one sample. The weekday/hour/minute columns are derived
// from the sample time so slot queries never re-parse timestamps.
// Weekday indices run 0=Monday .. 6=Sunday.
func (s *Store) Insert(ctx context.Context, sm Sample) error {
	if sm.At.IsZero() {
		sm.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_usage(timestamp, cpu_percent, memory_percent, disk_io_percent, day_of_week, hour, minute)
		 VALUES(?,?,?,?,?,?,?)`,
		sm.At.Unix(), sm.CPUPercent, sm.MemoryPercent, sm.DiskIOPercent,
		mondayWeekday(sm.At), sm.At.Hour(), sm.At.Minute(),
	)
	return err
}

// QuietestSlots returns the per-minute averages for the given weekday,
// quietest first.
func (s *Store) QuietestSlots(ctx context.Context, day int) ([]Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hour, minute, AVG(cpu_percent), AVG(memory_percent), AVG(disk_io_percent)
		 FROM system_usage
		 WHERE day_of_week = ?
		 GROUP BY hour, minute
		 ORDER BY (AVG(cpu_percent) + AVG(memory_percent) + AVG(disk_io_percent)) ASC`,
		day,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var sl Slot
		if err := rows.Scan(&sl.Hour, &sl.Minute, &sl.CPUPercent, &sl.MemoryPercent, &sl.DiskIOPercent); err != nil {
			return nil, err
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

// HourlyLoad returns day-of-week -> hour -> average combined load over
// all stored samples.
func (s *Store) HourlyLoad(ctx context.Context) (map[int]map[int]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day_of_week, hour, AVG(cpu_percent + memory_percent + disk_io_percent)
		 FROM system_usage
		 GROUP BY day_of_week, hour
		 ORDER BY day_of_week, hour`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]map[int]float64)
	for rows.Next() {
		var day, hour int
		var load float64
		if err := rows.Scan(&day, &hour, &load); err != nil {
			return nil, err
		}
		if out[day] == nil {
			out[day] = make(map[int]float64)
		}
		out[day][hour] = load
	}
	return out, rows.Err()
}

// Prune deletes samples older than the cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_usage WHERE timestamp < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
