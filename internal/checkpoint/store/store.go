// Package store persists checkpoint metadata rows.
package store

import (
	"context"

	"github.com/winfunc/opcode-sub004/internal/checkpoint/models"
)

// Repository stores checkpoint metadata. Full file state lives in the
// manifests on disk; rows are listing and lookup records only.
type Repository interface {
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*models.Checkpoint, error)
	// DeleteCheckpoint removes a row that never became a session head.
	DeleteCheckpoint(ctx context.Context, id string) error
	// GetHead returns the checkpoint a session's next checkpoint builds on,
	// or "" when the session has none.
	GetHead(ctx context.Context, sessionID string) (string, error)
	SetHead(ctx context.Context, sessionID, checkpointID string) error
	Close() error
}
