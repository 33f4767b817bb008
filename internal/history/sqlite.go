package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// resolveSQLitePath picks the database file when no DSN is configured:
// an existing ./gemigram.sqlite, else $HOME/.gemigram/history.sqlite. The
// parent directory of a file path is created if missing.
func resolveSQLitePath(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		localDB := filepath.Clean("./gemigram.sqlite")
		if _, err := os.Stat(localDB); err == nil {
			return localDB, nil
		}
		dsn = filepath.Join(home, ".gemigram", "history.sqlite")
	}
	if strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return dsn, nil
	}
	if strings.HasPrefix(dsn, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dsn = filepath.Join(home, dsn[2:])
	}
	path, _, _ := strings.Cut(dsn, "?")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	return dsn, nil
}

// OpenSQLite opens the history database at path through gorm. WAL and a busy
// timeout are added unless the DSN carries its own options.
func OpenSQLite(path string, autoMigrate bool) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	gdb, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite3", Conn: sqlDB}), gormConfig())
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newSQLStore(gdb, autoMigrate)
}
