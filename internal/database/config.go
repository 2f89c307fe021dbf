package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Config holds SQLite database configuration options.
type Config struct {
	// Path is the file path for the database.
	Path string

	// JournalMode specifies the SQLite journal mode (default: WAL).
	JournalMode string

	// Synchronous specifies the synchronous PRAGMA (default: NORMAL).
	Synchronous string

	// CacheSize specifies the cache size in KB (negative) or pages (positive).
	// Default: -64000 (64MB)
	CacheSize int

	// BusyTimeout specifies the busy timeout in milliseconds (default: 5000).
	BusyTimeout int

	// ForeignKeys enables foreign key constraints (default: true).
	ForeignKeys bool

	// SkipIntegrityCheck skips integrity check on open (default: false).
	// Only use for testing.
	SkipIntegrityCheck bool
}

// DefaultConfig returns the default SQLite configuration.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:               path,
		JournalMode:        "WAL",
		Synchronous:        "NORMAL",
		CacheSize:          -64000, // 64MB cache
		BusyTimeout:        5000,   // 5 seconds
		ForeignKeys:        true,
		SkipIntegrityCheck: false,
	}
}

// DSN builds the SQLite Data Source Name. PRAGMAs are applied
// separately after opening the connection for driver compatibility.
func (c *Config) DSN() string {
	return fmt.Sprintf("file:%s", c.Path)
}

// OpenResult contains the result of opening a database.
type OpenResult struct {
	DB                   *sql.DB
	StartupDuration      time.Duration
	IntegrityCheckPassed bool
	JournalMode          string
}

// OpenDatabase opens a SQLite database with the given configuration. It
// applies PRAGMAs, performs an integrity check, and verifies settings.
func OpenDatabase(ctx context.Context, cfg *Config) (*OpenResult, error) {
	startTime := time.Now()
	result := &OpenResult{}

	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, New(ErrCodeDBConnectionFailed, "failed to open database", err).WithPath(cfg.Path)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, New(ErrCodeDBConnectionFailed, "database ping failed", err).WithPath(cfg.Path)
	}

	if err := applyPRAGMAs(ctx, db, cfg); err != nil {
		db.Close()
		return nil, New(ErrCodeDBConnectionFailed, "failed to apply PRAGMAs", err).WithPath(cfg.Path)
	}

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		db.Close()
		return nil, New(ErrCodeDBConnectionFailed, "failed to verify journal_mode", err).WithPath(cfg.Path)
	}
	result.JournalMode = journalMode

	if !cfg.SkipIntegrityCheck {
		passed, err := runIntegrityCheck(ctx, db)
		if err != nil {
			db.Close()
			return nil, New(ErrCodeDBIntegrityFailed, "integrity check failed", err).WithPath(cfg.Path)
		}
		result.IntegrityCheckPassed = passed
		if !passed {
			db.Close()
			return nil, New(ErrCodeDBIntegrityFailed, "database integrity check did not pass", nil).WithPath(cfg.Path)
		}
	} else {
		result.IntegrityCheckPassed = true
	}

	result.DB = db
	result.StartupDuration = time.Since(startTime)

	log.Printf("[database] opened %s in %v (journal_mode=%s, integrity=%t)",
		cfg.Path, result.StartupDuration, result.JournalMode, result.IntegrityCheckPassed)

	return result, nil
}

func applyPRAGMAs(ctx context.Context, db *sql.DB, cfg *Config) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", cfg.JournalMode),
		fmt.Sprintf("PRAGMA synchronous=%s", cfg.Synchronous),
		fmt.Sprintf("PRAGMA cache_size=%d", cfg.CacheSize),
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout),
	}
	if cfg.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// runIntegrityCheck tries PRAGMA quick_check first (fast), falling back
// to the full integrity_check if that one is inconclusive.
func runIntegrityCheck(ctx context.Context, db *sql.DB) (bool, error) {
	var quickResult string
	err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&quickResult)
	if err == nil && quickResult == "ok" {
		return true, nil
	}

	var fullResult string
	err = db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&fullResult)
	if err != nil {
		return false, fmt.Errorf("integrity_check query failed: %w", err)
	}
	return fullResult == "ok", nil
}

// VerifyPRAGMAs logs a warning for any PRAGMA that doesn't match cfg,
// useful right after OpenDatabase in diagnostics or tests.
func VerifyPRAGMAs(ctx context.Context, db *sql.DB, cfg *Config) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to get journal_mode: %w", err)
	}
	if !strings.EqualFold(journalMode, cfg.JournalMode) {
		log.Printf("[database] WARNING: journal_mode is %s, expected %s", journalMode, cfg.JournalMode)
	}

	var synchronous int
	if err := db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous); err != nil {
		return fmt.Errorf("failed to get synchronous: %w", err)
	}
	expectedSync := map[string]int{"OFF": 0, "NORMAL": 1, "FULL": 2}
	if expected, ok := expectedSync[cfg.Synchronous]; ok && synchronous != expected {
		log.Printf("[database] WARNING: synchronous is %d, expected %d (%s)", synchronous, expected, cfg.Synchronous)
	}

	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("failed to get busy_timeout: %w", err)
	}
	if busyTimeout != cfg.BusyTimeout {
		log.Printf("[database] WARNING: busy_timeout is %d, expected %d", busyTimeout, cfg.BusyTimeout)
	}
	return nil
}

// MeasureQueryLatency measures the round-trip latency of a trivial query.
func MeasureQueryLatency(ctx context.Context, db *sql.DB) (time.Duration, error) {
	start := time.Now()
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
