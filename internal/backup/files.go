package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
)

const (
	extJSON = ".json"
	extZstd = ".json.zst"
)

// Entry describes one artifact file.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Save snapshots the store into a new artifact file. An empty name gets a
// timestamped default.
func (c *Coordinator) Save(ctx context.Context, name string) (Entry, error) {
	if name == "" {
		name = "backup_" + c.now().Format("20060102_150405")
	}
	if err := checkName(name); err != nil {
		return Entry{}, err
	}
	art, err := c.Snapshot(ctx)
	if err != nil {
		return Entry{}, err
	}
	ext := extJSON
	if c.compress {
		ext = extZstd
	}
	path := filepath.Join(c.dir, name+ext)
	if err := writeArtifact(path, art); err != nil {
		obs.CountBackup("save", err)
		return Entry{}, err
	}
	obs.CountBackup("save", nil)
	entry, err := statEntry(path)
	if err != nil {
		return Entry{}, err
	}
	obs.Info("backup_saved", map[string]any{"name": entry.Name, "size": entry.Size, "rows": art.Rows()})
	return entry, nil
}

// Load reads an artifact by name, with or without extension, from the backup
// directory. Names never resolve outside it.
func (c *Coordinator) Load(name string) (Artifact, error) {
	path, err := c.resolve(name)
	if err != nil {
		return Artifact{}, err
	}
	return readArtifact(path)
}

// LoadPath reads an artifact from an explicit file path. Only operator
// tooling should pass user paths here.
func (c *Coordinator) LoadPath(path string) (Artifact, error) {
	if !isArtifact(path) {
		return Artifact{}, fmt.Errorf("%w: %q is not a %s or %s file", model.ErrInvalidInput, path, extJSON, extZstd)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%w: backup file %q", model.ErrNotFound, path)
		}
		return Artifact{}, err
	}
	return readArtifact(path)
}

func (c *Coordinator) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: backup name is required", model.ErrInvalidInput)
	}
	if err := checkName(strings.TrimSuffix(strings.TrimSuffix(name, extZstd), extJSON)); err != nil {
		return "", err
	}
	candidates := []string{name}
	if !isArtifact(name) {
		candidates = []string{name + extJSON, name + extZstd}
	}
	for _, cand := range candidates {
		p := filepath.Join(c.dir, cand)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: backup %q", model.ErrNotFound, name)
}

// List returns every artifact in the directory, newest first.
func (c *Coordinator) List() ([]Entry, error) {
	des, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() || !isArtifact(de.Name()) {
			continue
		}
		e, err := statEntry(filepath.Join(c.dir, de.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Modified.Equal(out[j].Modified) {
			return out[i].Name > out[j].Name
		}
		return out[i].Modified.After(out[j].Modified)
	})
	return out, nil
}

// Prune keeps the newest keep artifacts whose name starts with prefix and
// removes the rest. It returns the removed names.
func (c *Coordinator) Prune(keep int, prefix string) (removed []string, err error) {
	defer func() { obs.CountBackup("prune", err) }()
	if keep < 0 {
		return nil, fmt.Errorf("%w: keep must not be negative", model.ErrInvalidInput)
	}
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	var matching []Entry
	for _, e := range all {
		if strings.HasPrefix(e.Name, prefix) {
			matching = append(matching, e)
		}
	}
	if len(matching) <= keep {
		return nil, nil
	}
	for _, e := range matching[keep:] {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, e.Name)
		obs.Info("backup_pruned", map[string]any{"name": e.Name})
	}
	return removed, nil
}

// Auto saves an automatic snapshot and prunes older automatic ones.
func (c *Coordinator) Auto(ctx context.Context) (Entry, error) {
	entry, err := c.Save(ctx, AutoPrefix+c.now().Format("20060102_150405"))
	if err != nil {
		obs.Error("auto_backup_failed", map[string]any{"error": err})
		return Entry{}, err
	}
	if _, err := c.Prune(c.autoKeep, AutoPrefix); err != nil {
		obs.Warn("auto_backup_prune_failed", map[string]any{"error": err})
	}
	return entry, nil
}

// RestoreFile loads a named backup from the directory and restores it.
func (c *Coordinator) RestoreFile(ctx context.Context, name, confirmation string) (RestoreResult, error) {
	return c.restoreFrom(ctx, confirmation, func() (Artifact, error) { return c.Load(name) })
}

// RestorePath restores the artifact at an explicit file path.
func (c *Coordinator) RestorePath(ctx context.Context, path, confirmation string) (RestoreResult, error) {
	return c.restoreFrom(ctx, confirmation, func() (Artifact, error) { return c.LoadPath(path) })
}

func (c *Coordinator) restoreFrom(ctx context.Context, confirmation string, load func() (Artifact, error)) (RestoreResult, error) {
	if confirmation != Confirmation {
		return RestoreResult{}, fmt.Errorf("%w: type %s to replace all data", model.ErrRestoreAborted, Confirmation)
	}
	art, err := load()
	if err != nil {
		return RestoreResult{}, err
	}
	return c.Restore(ctx, art, confirmation)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid backup name %q", model.ErrInvalidInput, name)
	}
	return nil
}

func isArtifact(name string) bool {
	return strings.HasSuffix(name, extJSON) || strings.HasSuffix(name, extZstd)
}

func statEntry(path string) (Entry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: fi.Name(), Path: path, Size: fi.Size(), Modified: fi.ModTime().UTC()}, nil
}

// writeArtifact writes to a temporary file first so a crash never leaves a
// truncated artifact under the final name.
func writeArtifact(path string, art Artifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-backup-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, art, strings.HasSuffix(path, extZstd)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encode(w io.Writer, art Artifact, compressed bool) error {
	if !compressed {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(art)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(zw).Encode(art); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func readArtifact(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, extZstd) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return Artifact{}, err
		}
		defer zr.Close()
		r = zr
	}
	var art Artifact
	if err := json.NewDecoder(r).Decode(&art); err != nil {
		return Artifact{}, fmt.Errorf("%w: decode %s: %w", model.ErrRestoreAborted, filepath.Base(path), err)
	}
	return art, nil
}
