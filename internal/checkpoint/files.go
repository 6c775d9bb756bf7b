package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/winfunc/opcode-sub004/internal/checkpoint/models"
)

// defaultIgnore lists directories never captured.
var defaultIgnore = []string{".git", "node_modules", ".opcode"}

// tree is the full file state of a project: relative slash path to entry.
type tree map[string]models.FileEntry

// blobStore keeps file contents addressed by sha256 under
// <root>/<hash[:2]>/<hash>. Blobs are shared by every checkpoint.
type blobStore struct {
	root string
}

func (b blobStore) path(hash string) string {
	return filepath.Join(b.root, hash[:2], hash)
}

func (b blobStore) has(hash string) bool {
	_, err := os.Stat(b.path(hash))
	return err == nil
}

// put copies src into the store while hashing it, so the stored blob is
// exactly the content that was hashed.
func (b blobStore) put(src string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(b.root, 0o700); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(b.root, ".blob-*")
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), in)
	if err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	hash := hex.EncodeToString(h.Sum(nil))
	if b.has(hash) {
		return hash, size, nil
	}
	dst := b.path(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, err
	}
	syncDir(filepath.Dir(dst))
	return hash, size, nil
}

func (b blobStore) open(hash string) (*os.File, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("invalid blob hash %q", hash)
	}
	return os.Open(b.path(hash))
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// scanner walks a project directory honouring the ignore list and size cap.
type scanner struct {
	ignore       []string
	maxFileBytes int64
}

func (s scanner) ignored(rel, name string) bool {
	for _, pattern := range s.ignore {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// list returns the regular files under root as slash-separated relative paths.
func (s scanner) list(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if s.ignored(rel, d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.maxFileBytes > 0 {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Size() > s.maxFileBytes {
				return nil
			}
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// scan hashes every file under root in parallel. With blobs set the content
// is also stored.
func (s scanner) scan(ctx context.Context, root string, blobs *blobStore) (tree, error) {
	files, err := s.list(root)
	if err != nil {
		return nil, err
	}
	entries := make([]models.FileEntry, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			abs := filepath.Join(root, filepath.FromSlash(rel))
			info, err := os.Stat(abs)
			if err != nil {
				return err
			}
			var hash string
			var size int64
			if blobs != nil {
				hash, size, err = blobs.put(abs)
			} else {
				hash, size, err = hashFile(abs)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			entries[i] = models.FileEntry{Path: rel, Hash: hash, Size: size, Mode: uint32(info.Mode().Perm())}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(tree, len(entries))
	for _, e := range entries {
		out[e.Path] = e
	}
	return out, nil
}

// diffTrees returns the manifest entries that turn parent into current.
func diffTrees(parent, current tree) []models.FileEntry {
	var out []models.FileEntry
	for path, e := range current {
		if prev, ok := parent[path]; !ok || prev.Hash != e.Hash || prev.Mode != e.Mode {
			out = append(out, e)
		}
	}
	for path := range parent {
		if _, ok := current[path]; !ok {
			out = append(out, models.FileEntry{Path: path, Deleted: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// apply replays manifest entries on top of t.
func (t tree) apply(entries []models.FileEntry) {
	for _, e := range entries {
		if e.Deleted {
			delete(t, e.Path)
			continue
		}
		t[e.Path] = e
	}
}

// changes lists the paths added, modified and deleted going from a to b.
func changes(a, b tree) models.FileChanges {
	c := models.FileChanges{Added: []string{}, Modified: []string{}, Deleted: []string{}}
	for _, e := range diffTrees(a, b) {
		switch {
		case e.Deleted:
			c.Deleted = append(c.Deleted, e.Path)
		case hasPath(a, e.Path):
			c.Modified = append(c.Modified, e.Path)
		default:
			c.Added = append(c.Added, e.Path)
		}
	}
	return c
}

func hasPath(t tree, path string) bool {
	_, ok := t[path]
	return ok
}

// restoreTree makes root match target exactly: missing or changed files are
// written from blobs and files absent from target are removed.
func restoreTree(ctx context.Context, root string, target, current tree, blobs blobStore) (written, deleted int, err error) {
	for _, e := range diffTrees(current, target) {
		if err := ctx.Err(); err != nil {
			return written, deleted, err
		}
		abs, err := safeJoin(root, e.Path)
		if err != nil {
			return written, deleted, err
		}
		if e.Deleted {
			if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return written, deleted, err
			}
			deleted++
			continue
		}
		if err := writeBlob(abs, e, blobs); err != nil {
			return written, deleted, fmt.Errorf("%s: %w", e.Path, err)
		}
		written++
	}
	return written, deleted, nil
}

func writeBlob(dst string, e models.FileEntry, blobs blobStore) error {
	src, err := blobs.open(e.Hash)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	mode := os.FileMode(e.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(dst, mode, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
}

// safeJoin resolves a manifest path under root, refusing paths that escape it.
func safeJoin(root, rel string) (string, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("manifest path %q escapes project root", rel)
	}
	return abs, nil
}
