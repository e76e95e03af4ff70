package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	ledgerDBName = "ledger.db"
	mirrorDBName = "mirror.db"
)

type Config struct {
	Workspace string
}

func workspaceDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".carecircle")
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := workspaceDir(workspace)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	return sql.Open("sqlite", dsn)
}

// OpenLedger opens the authoritative ledger database.
func OpenLedger(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return open(filepath.Join(workspaceDir(cfg.Workspace), ledgerDBName))
}

// OpenMirror opens the read-optimized mirror database. The mirror is never
// the source of truth; it only absorbs validated ledger outcomes.
func OpenMirror(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return open(filepath.Join(workspaceDir(cfg.Workspace), mirrorDBName))
}

// LedgerPath returns the ledger db path for the workspace.
func LedgerPath(workspace string) string {
	return filepath.Join(workspaceDir(workspace), ledgerDBName)
}

// MirrorPath returns the mirror db path for the workspace.
func MirrorPath(workspace string) string {
	return filepath.Join(workspaceDir(workspace), mirrorDBName)
}
