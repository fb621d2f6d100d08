package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oh8fks/aprsmap/pkg/logger"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed implementation of the packet, station and
// marker-sequence stores. Packets live in one table per UTC day
// (packets_YYYYMMDD), created on first write; stations and the marker
// sequence are single shared tables.
type Store struct {
	db     *sql.DB
	logger *logger.Logger

	mu         sync.Mutex
	partitions map[int64]bool // partition day -> table known to exist
}

// New opens (creating if needed) the database at the given path.
func New(dbPath string, log *logger.Logger) (*Store, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA cache_size=10000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	if err := initDatabase(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:         db,
		logger:     storageLogger,
		partitions: make(map[int64]bool),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase creates the shared tables.
func initDatabase(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			source_id INTEGER NOT NULL,
			latest_packet_id INTEGER DEFAULT 0,
			latest_packet_ts INTEGER DEFAULT 0,
			latest_confirmed_packet_id INTEGER DEFAULT 0,
			latest_confirmed_packet_ts INTEGER DEFAULT 0,
			latest_confirmed_lat REAL,
			latest_confirmed_lon REAL,
			latest_confirmed_symbol TEXT DEFAULT '',
			latest_confirmed_symbol_table TEXT DEFAULT '',
			latest_confirmed_marker_id INTEGER DEFAULT 0,
			latest_weather_packet_id INTEGER DEFAULT 0,
			latest_weather_ts INTEGER DEFAULT 0,
			latest_telemetry_packet_id INTEGER DEFAULT 0,
			latest_telemetry_ts INTEGER DEFAULT 0,
			latest_ogn_packet_id INTEGER DEFAULT 0,
			latest_ogn_ts INTEGER DEFAULT 0,
			UNIQUE(name, source_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create stations table: %w", err)
	}

	// Marker ids survive restarts; 1 is reserved, minting starts at 2.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS marker_seq (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			next_id INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create marker_seq table: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO marker_seq (id, next_id) VALUES (1, 2)`); err != nil {
		return fmt.Errorf("failed to seed marker_seq: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_stations_name ON stations(name, source_id)`)
	if err != nil {
		return fmt.Errorf("failed to create index on stations.name: %w", err)
	}
	return nil
}

// packetsTable returns the partition table name for a timestamp.
func packetsTable(ts int64) string {
	return "packets_" + time.Unix(ts, 0).UTC().Format("20060102")
}

// partitionDay truncates a unix timestamp to its UTC day boundary.
func partitionDay(ts int64) int64 {
	return ts - ts%86400
}

// ensurePartition creates the day partition table for the timestamp if it
// does not exist yet.
func (s *Store) ensurePartition(ctx context.Context, ts int64) error {
	day := partitionDay(ts)

	s.mu.Lock()
	known := s.partitions[day]
	s.mu.Unlock()
	if known {
		return nil
	}

	table := packetsTable(day)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			station_id INTEGER NOT NULL,
			station_name TEXT NOT NULL,
			sender_id INTEGER NOT NULL,
			sender_name TEXT NOT NULL,
			source_id INTEGER NOT NULL,
			packet_type_id INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			reported_timestamp INTEGER DEFAULT 0,
			position_timestamp INTEGER DEFAULT 0,
			tail_timestamp INTEGER DEFAULT 0,
			lat REAL,
			lon REAL,
			symbol_table TEXT DEFAULT '',
			symbol TEXT DEFAULT '',
			map_cell INTEGER DEFAULT -1,
			map_id INTEGER NOT NULL,
			is_moving INTEGER DEFAULT 0,
			marker_id INTEGER NOT NULL,
			marker_counter INTEGER DEFAULT 1,
			replaces_packet_id INTEGER DEFAULT 0,
			replaces_timestamp INTEGER DEFAULT 0,
			confirms_packet_id INTEGER DEFAULT 0,
			confirms_timestamp INTEGER DEFAULT 0,
			abnormal_packet_id INTEGER DEFAULT 0,
			abnormal_timestamp INTEGER DEFAULT 0,
			related_cells TEXT DEFAULT '',
			speed REAL,
			course REAL,
			altitude REAL,
			range_km REAL,
			phg TEXT DEFAULT '',
			range_ts INTEGER DEFAULT 0,
			phg_ts INTEGER DEFAULT 0,
			comment TEXT DEFAULT '',
			raw_path TEXT DEFAULT '',
			raw TEXT DEFAULT '',
			path TEXT DEFAULT '',
			kill_flag INTEGER DEFAULT 0,
			weather TEXT DEFAULT '',
			telemetry TEXT DEFAULT '',
			ogn TEXT DEFAULT ''
		)
	`, table))
	if err != nil {
		return fmt.Errorf("failed to create partition %s: %w", table, err)
	}

	for _, idx := range []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_station_ts ON %s(station_id, timestamp DESC)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_cell_ts ON %s(map_cell, timestamp)`, table, table),
	} {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", table, err)
		}
	}

	s.mu.Lock()
	s.partitions[day] = true
	s.mu.Unlock()
	return nil
}

// partitionsBetween lists the partition day boundaries covering
// [start, end], newest first.
func partitionsBetween(start, end int64) []int64 {
	if end < start {
		return nil
	}
	var days []int64
	for day := partitionDay(end); day >= partitionDay(start); day -= 86400 {
		days = append(days, day)
	}
	return days
}

// nowUnix is a seam for tests that pin the clock.
var nowUnix = func() int64 { return time.Now().Unix() }

// isMissingTable reports whether the error is a query against a partition
// day that has never been written.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
