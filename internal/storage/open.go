package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// Store is the minimal persistence API used by the mirror bots.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PutForward(ctx context.Context, rec ForwardRecord) error
	GetForward(ctx context.Context, sourceMessageID string) (ForwardRecord, bool, error)
	DeleteForward(ctx context.Context, sourceMessageID string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
