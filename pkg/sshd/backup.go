package sshd

import (
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"strings"
	"sync"
)

// Backup keeps a pristine copy of every file the run rewrites.
// A file is copied only the first time it is saved so that restoring always
// returns the state found before the run started.
type Backup struct {
	sys   System
	dir   string
	mu    sync.Mutex
	files map[string]backedFile
}

type backedFile struct {
	copyPath string
	mode     fs.FileMode
	uid, gid int
}

// NewBackup creates a Backup rooted at dir.
func NewBackup(sys System, dir string) *Backup {
	return &Backup{
		sys:   sys,
		dir:   dir,
		files: make(map[string]backedFile),
	}
}

// Dir returns the backup directory.
func (b *Backup) Dir() string {
	return b.dir
}

// Save copies path into the backup directory and returns the copy's path.
func (b *Backup) Save(path string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.files[path]; ok {
		return f.copyPath, nil
	}

	st, err := b.sys.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := b.sys.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := b.sys.MkdirAll(b.dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	copyPath := filepath.Join(b.dir, backupName(path))
	if err := b.sys.WriteFile(copyPath, data, st.Mode.Perm()); err != nil {
		return "", fmt.Errorf("failed to write backup of %s: %w", path, err)
	}

	b.files[path] = backedFile{copyPath: copyPath, mode: st.Mode.Perm(), uid: st.UID, gid: st.GID}
	return copyPath, nil
}

// Restore writes the saved copy of path back in place with its original
// mode and ownership.
func (b *Backup) Restore(path string) error {
	b.mu.Lock()
	f, ok := b.files[path]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no backup of %s: %w", path, ErrNotFound)
	}

	data, err := b.sys.ReadFile(f.copyPath)
	if err != nil {
		return fmt.Errorf("failed to read backup of %s: %w", path, err)
	}
	if err := b.sys.WriteFile(path, data, f.mode); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	if err := b.sys.Chmod(path, f.mode); err != nil {
		return fmt.Errorf("failed to restore mode of %s: %w", path, err)
	}
	return b.sys.Chown(path, f.uid, f.gid)
}

// Files returns original path -> backup copy path.
func (b *Backup) Files() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.files))
	for k, f := range maps.All(b.files) {
		out[k] = f.copyPath
	}
	return out
}

// backupName flattens an absolute path into a single file name.
func backupName(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(filepath.Clean(path), "/"), "/", "_")
}
