package sshd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"syscall"
)

// FileStat is the subset of stat(2) the checks rely on.
type FileStat struct {
	Mode fs.FileMode
	UID  int
	GID  int
	Dev  uint64
	Ino  uint64
}

// IsDir reports whether the stat describes a directory.
func (s FileStat) IsDir() bool { return s.Mode.IsDir() }

// IsRegular reports whether the stat describes a regular file.
func (s FileStat) IsRegular() bool { return s.Mode.IsRegular() }

// IsSymlink reports whether the stat describes a symbolic link.
func (s FileStat) IsSymlink() bool { return s.Mode&fs.ModeSymlink != 0 }

// CommandResult is the outcome of a process that was started.
type CommandResult struct {
	Output   []byte
	ExitCode int
}

// System is the filesystem and process seam used by checks and fixes.
type System interface {
	Stat(name string) (FileStat, error)
	Lstat(name string) (FileStat, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
	Chmod(name string, mode fs.FileMode) error
	Chown(name string, uid, gid int) error
	Glob(pattern string) ([]string, error)
	WalkDir(root string, fn fs.WalkDirFunc) error
	EvalSymlinks(path string) (string, error)
	LookupUser(name string) (*user.User, error)
	LookupGroupID(gid string) (*user.Group, error)

	// Run executes a command and returns its combined output. A non-zero exit
	// is reported through CommandResult; the error is reserved for commands
	// that could not be started.
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// OSSystem implements System against the running host.
type OSSystem struct{}

// NewOSSystem returns the host-backed System.
func NewOSSystem() *OSSystem {
	return &OSSystem{}
}

func statFromInfo(fi fs.FileInfo) FileStat {
	st := FileStat{Mode: fi.Mode()}
	if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
		st.UID = int(sys.Uid)
		st.GID = int(sys.Gid)
		st.Dev = uint64(sys.Dev) //nolint:unconvert // int32 on some platforms
		st.Ino = uint64(sys.Ino) //nolint:unconvert
	}
	return st
}

// Stat follows symbolic links.
func (OSSystem) Stat(name string) (FileStat, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return FileStat{}, err
	}
	return statFromInfo(fi), nil
}

// Lstat does not follow symbolic links.
func (OSSystem) Lstat(name string) (FileStat, error) {
	fi, err := os.Lstat(name)
	if err != nil {
		return FileStat{}, err
	}
	return statFromInfo(fi), nil
}

func (OSSystem) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (OSSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (OSSystem) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }

func (OSSystem) Chmod(name string, mode fs.FileMode) error { return os.Chmod(name, mode) }

func (OSSystem) Chown(name string, uid, gid int) error { return os.Chown(name, uid, gid) }

func (OSSystem) Glob(pattern string) ([]string, error) { return filepath.Glob(pattern) }

func (OSSystem) WalkDir(root string, fn fs.WalkDirFunc) error { return filepath.WalkDir(root, fn) }

func (OSSystem) EvalSymlinks(path string) (string, error) { return filepath.EvalSymlinks(path) }

func (OSSystem) LookupUser(name string) (*user.User, error) { return user.Lookup(name) }

func (OSSystem) LookupGroupID(gid string) (*user.Group, error) { return user.LookupGroupId(gid) }

// Run executes name with args, capturing stdout and stderr together.
func (OSSystem) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return CommandResult{Output: out, ExitCode: exitErr.ExitCode()}, nil
		}
		return CommandResult{Output: out, ExitCode: -1}, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return CommandResult{Output: out}, nil
}

// isDir reports whether path exists and is a directory.
func isDir(sys System, path string) bool {
	st, err := sys.Stat(path)
	return err == nil && st.IsDir()
}

// isFile reports whether path exists and is a regular file.
func isFile(sys System, path string) bool {
	st, err := sys.Stat(path)
	return err == nil && st.IsRegular()
}
