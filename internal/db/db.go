package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".stride"
	defaultDBName = "stride.db"

	DefaultBusyTimeout = 5 * time.Second
	DefaultJournalMode = "wal"
)

var journalModes = map[string]bool{
	"delete": true, "truncate": true, "persist": true,
	"memory": true, "wal": true, "off": true,
}

type Config struct {
	Workspace string
	Options   Options
}

// Options holds the per-connection pragmas. Zero values fall back to
// DefaultBusyTimeout and DefaultJournalMode. Foreign keys are always on.
type Options struct {
	BusyTimeout time.Duration
	JournalMode string
}

// Validate rejects journal modes SQLite does not know.
func (o Options) Validate() error {
	if o.BusyTimeout < 0 {
		return fmt.Errorf("busy timeout must not be negative")
	}
	if o.JournalMode != "" && !journalModes[strings.ToLower(o.JournalMode)] {
		return fmt.Errorf("unknown journal mode %q", o.JournalMode)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout == 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
	if o.JournalMode == "" {
		o.JournalMode = DefaultJournalMode
	}
	o.JournalMode = strings.ToUpper(o.JournalMode)
	return o
}

// Pragmas lists the pragma statements applied to every connection, in order.
func (o Options) Pragmas() []string {
	o = o.withDefaults()
	return []string{
		"foreign_keys(1)",
		fmt.Sprintf("busy_timeout(%d)", o.BusyTimeout.Milliseconds()),
		fmt.Sprintf("journal_mode(%s)", o.JournalMode),
	}
}

// DSN builds the modernc sqlite connection string for path.
func (o Options) DSN(path string) string {
	q := url.Values{}
	for _, p := range o.Pragmas() {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates the .stride directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open creates the workspace directory and opens its SQLite database.
func Open(cfg Config) (*sql.DB, error) {
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("db options: %w", err)
	}
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", cfg.Options.DSN(dbPath(cfg.Workspace)))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
