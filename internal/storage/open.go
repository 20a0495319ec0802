package storage

import (
	"errors"
	"strings"

	logx "campuscast/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none", "memory":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return NewMemory(Snapshot{}), nil
		}
		snap, err := ReadSnapshot(path)
		if err != nil {
			return nil, err
		}
		log.Debug("memory store seeded", logx.String("path", path), logx.Int("recipients", len(snap.Recipients)))
		return NewMemory(snap), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
