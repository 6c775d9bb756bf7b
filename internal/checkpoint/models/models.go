// Package models defines checkpoint records, file manifests and timelines.
package models

import "time"

// Trigger records what caused a checkpoint to be taken.
type Trigger string

const (
	TriggerManual       Trigger = "manual"
	TriggerMessageCount Trigger = "message_count"
	TriggerInterval     Trigger = "interval"
	TriggerFork         Trigger = "fork"
)

// Checkpoint is an immutable snapshot marker: a transcript offset plus a
// reference to the captured file state. The file state lives in the
// manifest stored under ManifestPath.
type Checkpoint struct {
	ID               string    `json:"id" db:"id"`
	SessionID        string    `json:"session_id" db:"session_id"`
	ProjectID        string    `json:"project_id" db:"project_id"`
	ProjectPath      string    `json:"project_path" db:"project_path"`
	ParentID         string    `json:"parent_id,omitempty" db:"parent_id"`
	MessageIndex     int       `json:"message_index" db:"message_index"`
	Description      string    `json:"description,omitempty" db:"description"`
	Trigger          Trigger   `json:"trigger" db:"trigger_type"`
	TranscriptDigest string    `json:"transcript_digest" db:"transcript_digest"`
	ManifestPath     string    `json:"-" db:"manifest_path"`
	FilesChanged     int       `json:"files_changed" db:"files_changed"`
	FilesTotal       int       `json:"files_total" db:"files_total"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// FileEntry is one path in a manifest. A Deleted entry removes a path that
// an ancestor checkpoint recorded.
type FileEntry struct {
	Path    string `json:"path"`
	Hash    string `json:"hash,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Mode    uint32 `json:"mode,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Manifest is the durable body of a checkpoint. Files holds only the
// entries that differ from the parent checkpoint's tree.
type Manifest struct {
	Version    int         `json:"version"`
	Checkpoint Checkpoint  `json:"checkpoint"`
	Files      []FileEntry `json:"files"`
}

// FileChanges lists paths that differ between two trees.
type FileChanges struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// Diff compares two checkpoints.
type Diff struct {
	FromID       string      `json:"from_id"`
	ToID         string      `json:"to_id"`
	MessageDelta int         `json:"message_delta"`
	Files        FileChanges `json:"files"`
}

// TimelineNode is a checkpoint and the checkpoints created on top of it.
type TimelineNode struct {
	Checkpoint *Checkpoint     `json:"checkpoint"`
	Children   []*TimelineNode `json:"children"`
}

// Timeline is the checkpoint tree of one session.
type Timeline struct {
	SessionID           string        `json:"session_id"`
	RootNode            *TimelineNode `json:"root_node,omitempty"`
	CurrentCheckpointID string        `json:"current_checkpoint_id,omitempty"`
	TotalCheckpoints    int           `json:"total_checkpoints"`
}

// RestoreResult is the transcript state reproduced from a checkpoint.
type RestoreResult struct {
	Checkpoint    *Checkpoint `json:"checkpoint"`
	Messages      []string    `json:"messages"`
	FilesRestored int         `json:"files_restored"`
	FilesDeleted  int         `json:"files_deleted"`
}
