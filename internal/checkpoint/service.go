// Package checkpoint snapshots session transcripts and project files and
// restores or forks them.
//
// A checkpoint is a transcript offset plus a file manifest. Manifests are
// diff-based: each records only the entries that changed relative to its
// parent, and file contents are stored once as content-addressed blobs.
// The full tree of a checkpoint is rebuilt by replaying the manifest chain
// from the root.
//
// On-disk layout under the data directory:
//
//	objects/<sha[:2]>/<sha>                       file blobs
//	<projectID>/<sessionID>/<checkpointID>.json   manifests
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/winfunc/opcode-sub004/internal/checkpoint/models"
	"github.com/winfunc/opcode-sub004/internal/checkpoint/store"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/session"
	"github.com/winfunc/opcode-sub004/internal/tracing"
	"github.com/winfunc/opcode-sub004/internal/transcript"
)

const manifestVersion = 1

// AtEnd as a message index checkpoints the whole current transcript.
const AtEnd = -1

// Transcripts is the transcript log the checkpoints point into.
type Transcripts interface {
	Len(sessionID string) (int, error)
	Read(sessionID string, n int) ([]string, error)
	CopyPrefix(src, dst string, n int) error
	Delete(sessionID string) error
}

// Sessions exposes the session records checkpoints consult. A nil Sessions
// treats every session as not running.
type Sessions interface {
	Get(id string) (*session.Session, error)
	RecordCheckpointError(id, message string) error
}

// Options configures the service.
type Options struct {
	DataDir      string
	Ignore       []string
	MaxFileBytes int64
	Policy       Policy
}

// CreateOptions are the optional parts of a checkpoint.
type CreateOptions struct {
	Description string
	Trigger     models.Trigger
	// ProjectPath overrides the project directory recorded for the session.
	ProjectPath string
}

// RestoreOptions controls what a restore writes back.
type RestoreOptions struct {
	// RestoreFiles rewrites the project directory to the checkpoint's tree.
	RestoreFiles bool
}

// ForkOptions configures a fork.
type ForkOptions struct {
	// SessionID is the id of the new session; generated when empty.
	SessionID   string
	Description string
}

// ForkResult is the new session and its root checkpoint.
type ForkResult struct {
	SessionID  string             `json:"session_id"`
	Checkpoint *models.Checkpoint `json:"checkpoint"`
}

// Service is the checkpoint store. Operations on one session are serialized;
// different sessions proceed independently.
type Service struct {
	repo        store.Repository
	transcripts Transcripts
	sessions    Sessions
	dataDir     string
	blobs       blobStore
	scanner     scanner
	policy      Policy
	logger      *logger.Logger
	now         func() time.Time

	locks sync.Map // session id -> *sync.Mutex
}

// NewService creates a checkpoint service.
func NewService(repo store.Repository, transcripts Transcripts, sessions Sessions, opts Options, log *logger.Logger) *Service {
	policy := opts.Policy
	if policy == nil {
		policy = Manual{}
	}
	return &Service{
		repo:        repo,
		transcripts: transcripts,
		sessions:    sessions,
		dataDir:     opts.DataDir,
		blobs:       blobStore{root: filepath.Join(opts.DataDir, "objects")},
		scanner: scanner{
			ignore:       append(append([]string(nil), defaultIgnore...), opts.Ignore...),
			maxFileBytes: opts.MaxFileBytes,
		},
		policy: policy,
		logger: log.WithFields(zap.String("component", "checkpoint-service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the automatic snapshot policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// ProjectID derives the project id from its path the way engines name
// their per-project directories.
func ProjectID(projectPath string) string {
	cleaned := filepath.ToSlash(filepath.Clean(projectPath))
	return strings.NewReplacer("/", "-", ":", "-", " ", "-").Replace(cleaned)
}

func (s *Service) mutex(sessionID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) lock(sessionID string) func() {
	mu := s.mutex(sessionID)
	mu.Lock()
	return mu.Unlock
}

// lockPair takes two session locks in id order so crossed forks cannot
// wait on each other.
func (s *Service) lockPair(a, b string) func() {
	if b < a {
		a, b = b, a
	}
	first, second := s.mutex(a), s.mutex(b)
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

func (s *Service) manifestPath(projectID, sessionID, checkpointID string) string {
	return filepath.Join(s.dataDir, projectID, sessionID, checkpointID+".json")
}

// Create snapshots the first messageIndex transcript messages of the session
// and the current state of its project directory.
func (s *Service) Create(ctx context.Context, sessionID string, messageIndex int, opts CreateOptions) (cp *models.Checkpoint, err error) {
	ctx, span := tracing.Start(ctx, "checkpoint", "checkpoint.create", sessionID)
	defer func() { tracing.End(span, err) }()

	unlock := s.lock(sessionID)
	defer unlock()

	cp, err = s.create(ctx, sessionID, messageIndex, opts)
	if err != nil {
		s.reportFailure(sessionID, err)
		return nil, err
	}
	s.logger.Info("checkpoint created",
		zap.String("session_id", sessionID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("message_index", cp.MessageIndex),
		zap.String("trigger", string(cp.Trigger)),
		zap.Int("files_changed", cp.FilesChanged))
	return cp, nil
}

func (s *Service) create(ctx context.Context, sessionID string, messageIndex int, opts CreateOptions) (*models.Checkpoint, error) {
	if err := engine.SanitizeSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := engine.SanitizeText("description", opts.Description); err != nil {
		return nil, err
	}
	total, err := s.transcripts.Len(sessionID)
	if err != nil {
		return nil, apperrors.CheckpointWriteFailed("read transcript", err)
	}
	if messageIndex == AtEnd {
		messageIndex = total
	}
	if messageIndex < 0 || messageIndex > total {
		return nil, apperrors.ValidationError("message_index",
			fmt.Sprintf("%d is outside the transcript of %d messages", messageIndex, total))
	}

	parent, err := s.head(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if parent != nil && messageIndex < parent.MessageIndex {
		return nil, apperrors.ValidationError("message_index",
			fmt.Sprintf("%d precedes the current checkpoint at %d", messageIndex, parent.MessageIndex))
	}

	projectPath := s.projectPath(sessionID, opts.ProjectPath, parent)
	if projectPath == "" {
		return nil, apperrors.BadRequest(fmt.Sprintf("project path of session '%s' is unknown", sessionID))
	}

	lines, err := s.transcripts.Read(sessionID, messageIndex)
	if err != nil {
		return nil, apperrors.CheckpointWriteFailed("read transcript", err)
	}

	parentTree := tree{}
	if parent != nil {
		if parentTree, err = s.resolveTree(ctx, parent); err != nil {
			return nil, apperrors.CheckpointWriteFailed("load parent manifest", err)
		}
	}
	current, err := s.scanner.scan(ctx, projectPath, &s.blobs)
	if err != nil {
		return nil, apperrors.CheckpointWriteFailed("capture files", err)
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}
	cp := &models.Checkpoint{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		ProjectID:        ProjectID(projectPath),
		ProjectPath:      projectPath,
		MessageIndex:     messageIndex,
		Description:      opts.Description,
		Trigger:          trigger,
		TranscriptDigest: transcript.DigestLines(lines),
		FilesTotal:       len(current),
		CreatedAt:        s.now(),
	}
	if parent != nil {
		cp.ParentID = parent.ID
	}
	if err := s.persist(ctx, cp, diffTrees(parentTree, current)); err != nil {
		return nil, err
	}
	return cp, nil
}

// persist writes the manifest durably, then records the row and moves the
// session head. A row never points at a manifest that is not on disk.
func (s *Service) persist(ctx context.Context, cp *models.Checkpoint, entries []models.FileEntry) error {
	if entries == nil {
		entries = []models.FileEntry{}
	}
	cp.FilesChanged = len(entries)
	cp.ManifestPath = s.manifestPath(cp.ProjectID, cp.SessionID, cp.ID)

	manifest := models.Manifest{Version: manifestVersion, Checkpoint: *cp, Files: entries}
	if err := writeJSONAtomic(cp.ManifestPath, manifest); err != nil {
		return apperrors.CheckpointWriteFailed("write manifest", err)
	}
	if err := s.repo.CreateCheckpoint(ctx, cp); err != nil {
		_ = os.Remove(cp.ManifestPath)
		return apperrors.CheckpointWriteFailed("record checkpoint", err)
	}
	if err := s.repo.SetHead(ctx, cp.SessionID, cp.ID); err != nil {
		if delErr := s.repo.DeleteCheckpoint(ctx, cp.ID); delErr != nil {
			s.logger.Warn("failed to remove orphaned checkpoint row",
				zap.String("checkpoint_id", cp.ID), zap.Error(delErr))
		}
		_ = os.Remove(cp.ManifestPath)
		return apperrors.CheckpointWriteFailed("update session head", err)
	}
	return nil
}

func (s *Service) head(ctx context.Context, sessionID string) (*models.Checkpoint, error) {
	id, err := s.repo.GetHead(ctx, sessionID)
	if err != nil {
		return nil, apperrors.CheckpointWriteFailed("read session head", err)
	}
	if id == "" {
		return nil, nil
	}
	return s.repo.GetCheckpoint(ctx, id)
}

func (s *Service) projectPath(sessionID, override string, parent *models.Checkpoint) string {
	if override != "" {
		return override
	}
	if s.sessions != nil {
		if sess, err := s.sessions.Get(sessionID); err == nil && sess.ProjectPath != "" {
			return sess.ProjectPath
		}
	}
	if parent != nil {
		return parent.ProjectPath
	}
	return ""
}

// reportFailure logs a checkpoint failure against the session record.
func (s *Service) reportFailure(sessionID string, err error) {
	s.logger.Warn("checkpoint failed", zap.String("session_id", sessionID), zap.Error(err))
	if s.sessions == nil {
		return
	}
	if recErr := s.sessions.RecordCheckpointError(sessionID, err.Error()); recErr != nil && !apperrors.IsNotFound(recErr) {
		s.logger.Warn("failed to record checkpoint error", zap.String("session_id", sessionID), zap.Error(recErr))
	}
}

// resolveTree rebuilds the full file tree of cp from its manifest chain.
func (s *Service) resolveTree(ctx context.Context, cp *models.Checkpoint) (tree, error) {
	chain := []*models.Checkpoint{cp}
	seen := map[string]bool{cp.ID: true}
	for c := cp; c.ParentID != ""; {
		parent, err := s.repo.GetCheckpoint(ctx, c.ParentID)
		if err != nil {
			return nil, err
		}
		if seen[parent.ID] {
			return nil, fmt.Errorf("checkpoint lineage of %s has a cycle", cp.ID)
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		c = parent
	}

	t := tree{}
	for i := len(chain) - 1; i >= 0; i-- {
		var m models.Manifest
		if err := readJSON(chain[i].ManifestPath, &m); err != nil {
			return nil, fmt.Errorf("read manifest of %s: %w", chain[i].ID, err)
		}
		t.apply(m.Files)
	}
	return t, nil
}

// Get returns checkpoint metadata.
func (s *Service) Get(ctx context.Context, checkpointID string) (*models.Checkpoint, error) {
	return s.repo.GetCheckpoint(ctx, checkpointID)
}

// List returns a session's checkpoints oldest first, metadata only.
func (s *Service) List(ctx context.Context, sessionID string) ([]*models.Checkpoint, error) {
	return s.repo.ListCheckpoints(ctx, sessionID)
}

// Restore reproduces the transcript as it was when the checkpoint was taken
// and makes the checkpoint the session's current one. It is rejected while
// the owning session is live.
func (s *Service) Restore(ctx context.Context, checkpointID string, opts RestoreOptions) (res *models.RestoreResult, err error) {
	cp, err := s.repo.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.Start(ctx, "checkpoint", "checkpoint.restore", cp.SessionID)
	defer func() { tracing.End(span, err) }()

	unlock := s.lock(cp.SessionID)
	defer unlock()

	if s.sessionLive(cp.SessionID) {
		return nil, apperrors.CheckpointRestoreConflict(cp.SessionID)
	}

	messages, err := s.verifiedPrefix(cp)
	if err != nil {
		return nil, err
	}
	res = &models.RestoreResult{Checkpoint: cp, Messages: messages}

	if opts.RestoreFiles {
		target, err := s.resolveTree(ctx, cp)
		if err != nil {
			return nil, apperrors.Wrap(err, "load checkpoint manifest")
		}
		if err := os.MkdirAll(cp.ProjectPath, 0o755); err != nil {
			return nil, apperrors.InternalError("create project directory", err)
		}
		current, err := s.scanner.scan(ctx, cp.ProjectPath, nil)
		if err != nil {
			return nil, apperrors.InternalError("scan project directory", err)
		}
		res.FilesRestored, res.FilesDeleted, err = restoreTree(ctx, cp.ProjectPath, target, current, s.blobs)
		if err != nil {
			return nil, apperrors.InternalError("restore files", err)
		}
	}

	if err := s.repo.SetHead(ctx, cp.SessionID, cp.ID); err != nil {
		return nil, apperrors.InternalError("update session head", err)
	}
	s.logger.Info("checkpoint restored",
		zap.String("session_id", cp.SessionID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("messages", len(messages)),
		zap.Int("files_restored", res.FilesRestored),
		zap.Int("files_deleted", res.FilesDeleted))
	return res, nil
}

// Fork starts a new session whose transcript is the checkpoint's prefix and
// whose lineage points at the checkpoint. The source is not modified.
func (s *Service) Fork(ctx context.Context, checkpointID string, opts ForkOptions) (res *ForkResult, err error) {
	src, err := s.repo.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.Start(ctx, "checkpoint", "checkpoint.fork", src.SessionID)
	defer func() { tracing.End(span, err) }()

	newID := opts.SessionID
	if newID == "" {
		newID = uuid.New().String()
	} else if err := engine.SanitizeSessionID(newID); err != nil {
		return nil, err
	}
	if newID == src.SessionID {
		return nil, apperrors.Conflict("fork must target a new session")
	}
	if err := engine.SanitizeText("description", opts.Description); err != nil {
		return nil, err
	}

	unlock := s.lockPair(src.SessionID, newID)
	defer unlock()

	if head, err := s.repo.GetHead(ctx, newID); err != nil {
		return nil, apperrors.CheckpointWriteFailed("read session head", err)
	} else if head != "" {
		return nil, apperrors.Conflict(fmt.Sprintf("session '%s' already has checkpoints", newID))
	}
	if _, err := s.verifiedPrefix(src); err != nil {
		return nil, err
	}
	if err := s.transcripts.CopyPrefix(src.SessionID, newID, src.MessageIndex); err != nil {
		return nil, apperrors.Wrap(err, "copy transcript")
	}

	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("Fork of %s", src.ID)
	}
	cp := &models.Checkpoint{
		ID:               uuid.New().String(),
		SessionID:        newID,
		ProjectID:        src.ProjectID,
		ProjectPath:      src.ProjectPath,
		ParentID:         src.ID,
		MessageIndex:     src.MessageIndex,
		Description:      description,
		Trigger:          models.TriggerFork,
		TranscriptDigest: src.TranscriptDigest,
		FilesTotal:       src.FilesTotal,
		CreatedAt:        s.now(),
	}
	if err := s.persist(ctx, cp, nil); err != nil {
		if delErr := s.transcripts.Delete(newID); delErr != nil {
			s.logger.Warn("failed to remove forked transcript", zap.String("session_id", newID), zap.Error(delErr))
		}
		return nil, err
	}

	s.logger.Info("session forked",
		zap.String("session_id", src.SessionID),
		zap.String("checkpoint_id", src.ID),
		zap.String("fork_session_id", newID))
	return &ForkResult{SessionID: newID, Checkpoint: cp}, nil
}

// Diff compares the file trees and message positions of two checkpoints.
func (s *Service) Diff(ctx context.Context, fromID, toID string) (*models.Diff, error) {
	from, err := s.repo.GetCheckpoint(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.repo.GetCheckpoint(ctx, toID)
	if err != nil {
		return nil, err
	}
	fromTree, err := s.resolveTree(ctx, from)
	if err != nil {
		return nil, apperrors.Wrap(err, "load checkpoint manifest")
	}
	toTree, err := s.resolveTree(ctx, to)
	if err != nil {
		return nil, apperrors.Wrap(err, "load checkpoint manifest")
	}
	return &models.Diff{
		FromID:       from.ID,
		ToID:         to.ID,
		MessageDelta: to.MessageIndex - from.MessageIndex,
		Files:        changes(fromTree, toTree),
	}, nil
}

// Timeline returns the checkpoint tree of a session.
func (s *Service) Timeline(ctx context.Context, sessionID string) (*models.Timeline, error) {
	list, err := s.repo.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	head, err := s.repo.GetHead(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	timeline := &models.Timeline{SessionID: sessionID, CurrentCheckpointID: head, TotalCheckpoints: len(list)}

	nodes := make(map[string]*models.TimelineNode, len(list))
	for _, cp := range list {
		nodes[cp.ID] = &models.TimelineNode{Checkpoint: cp, Children: []*models.TimelineNode{}}
	}
	for _, cp := range list {
		node := nodes[cp.ID]
		if parent, ok := nodes[cp.ParentID]; ok {
			parent.Children = append(parent.Children, node)
			continue
		}
		if timeline.RootNode == nil {
			timeline.RootNode = node
		}
	}
	return timeline, nil
}

func (s *Service) sessionLive(sessionID string) bool {
	if s.sessions == nil {
		return false
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return false
	}
	return !sess.Status.IsTerminal()
}

// verifiedPrefix reads the checkpoint's transcript prefix and checks it
// still hashes to the recorded digest.
func (s *Service) verifiedPrefix(cp *models.Checkpoint) ([]string, error) {
	messages, err := s.transcripts.Read(cp.SessionID, cp.MessageIndex)
	if err != nil {
		if errors.Is(err, apperrors.ErrBadRequest) {
			return nil, apperrors.Conflict(fmt.Sprintf("transcript of '%s' is shorter than checkpoint %s", cp.SessionID, cp.ID))
		}
		return nil, apperrors.InternalError("read transcript", err)
	}
	if transcript.DigestLines(messages) != cp.TranscriptDigest {
		return nil, apperrors.Conflict(fmt.Sprintf("transcript of '%s' no longer matches checkpoint %s", cp.SessionID, cp.ID))
	}
	return messages, nil
}
