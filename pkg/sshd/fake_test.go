package sshd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
)

type fakeFile struct {
	mode   fs.FileMode
	uid    int
	gid    int
	data   []byte
	target string
	ino    uint64
}

type fakeCommand func(args []string) (CommandResult, error)

// fakeSystem is an in-memory System. Paths are absolute and only the final
// component of a path may be a symbolic link.
type fakeSystem struct {
	t        *testing.T
	files    map[string]*fakeFile
	nextIno  uint64
	users    map[string]*user.User
	groups   map[string]*user.Group
	commands map[string]fakeCommand
	calls    []string
}

func newFakeSystem(t *testing.T) *fakeSystem {
	t.Helper()
	f := &fakeSystem{
		t:        t,
		files:    make(map[string]*fakeFile),
		users:    make(map[string]*user.User),
		groups:   make(map[string]*user.Group),
		commands: make(map[string]fakeCommand),
	}
	f.put("/", &fakeFile{mode: fs.ModeDir | 0o755})
	return f
}

func (f *fakeSystem) put(path string, file *fakeFile) {
	f.nextIno++
	file.ino = f.nextIno
	f.files[path] = file
}

func (f *fakeSystem) ensureParents(path string) {
	for _, dir := range ancestors(path) {
		if _, ok := f.files[dir]; !ok {
			f.put(dir, &fakeFile{mode: fs.ModeDir | 0o755})
		}
	}
}

func (f *fakeSystem) addDir(path string, perm fs.FileMode, uid, gid int) {
	f.ensureParents(path)
	f.put(path, &fakeFile{mode: fs.ModeDir | perm, uid: uid, gid: gid})
}

func (f *fakeSystem) addFile(path, data string, perm fs.FileMode, uid, gid int) {
	f.ensureParents(path)
	f.put(path, &fakeFile{mode: perm, uid: uid, gid: gid, data: []byte(data)})
}

func (f *fakeSystem) addSymlink(path, target string) {
	f.ensureParents(path)
	f.put(path, &fakeFile{mode: fs.ModeSymlink | 0o777, target: target})
}

func (f *fakeSystem) addUser(name string, uid, gid int) {
	f.users[name] = &user.User{
		Username: name,
		Uid:      strconv.Itoa(uid),
		Gid:      strconv.Itoa(gid),
		HomeDir:  "/home/" + name,
	}
}

func (f *fakeSystem) addGroup(name string, gid int) {
	f.groups[strconv.Itoa(gid)] = &user.Group{Name: name, Gid: strconv.Itoa(gid)}
}

func (f *fakeSystem) onCommand(name string, fn fakeCommand) {
	f.commands[name] = fn
}

func (f *fakeSystem) content(path string) string {
	f.t.Helper()
	file, ok := f.files[path]
	if !ok {
		f.t.Fatalf("file %s does not exist", path)
	}
	return string(file.data)
}

func (f *fakeSystem) exists(path string) bool {
	_, ok := f.files[path]
	return ok
}

func notExist(op, path string) error {
	return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
}

func (f *fakeSystem) resolve(path string) (string, *fakeFile, bool) {
	path = filepath.Clean(path)
	for range 8 {
		file, ok := f.files[path]
		if !ok {
			return path, nil, false
		}
		if file.mode&fs.ModeSymlink == 0 {
			return path, file, true
		}
		path = file.target
	}
	return path, nil, false
}

func (f *fakeSystem) statOf(file *fakeFile) FileStat {
	return FileStat{Mode: file.mode, UID: file.uid, GID: file.gid, Dev: 1, Ino: file.ino}
}

func (f *fakeSystem) Stat(name string) (FileStat, error) {
	_, file, ok := f.resolve(name)
	if !ok {
		return FileStat{}, notExist("stat", name)
	}
	return f.statOf(file), nil
}

func (f *fakeSystem) Lstat(name string) (FileStat, error) {
	file, ok := f.files[filepath.Clean(name)]
	if !ok {
		return FileStat{}, notExist("lstat", name)
	}
	return f.statOf(file), nil
}

func (f *fakeSystem) ReadFile(name string) ([]byte, error) {
	_, file, ok := f.resolve(name)
	if !ok {
		return nil, notExist("open", name)
	}
	if file.mode.IsDir() {
		return nil, &fs.PathError{Op: "read", Path: name, Err: errors.New("is a directory")}
	}
	return append([]byte(nil), file.data...), nil
}

func (f *fakeSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	path, file, ok := f.resolve(name)
	if ok {
		file.data = append([]byte(nil), data...)
		return nil
	}
	if parent, exists := f.files[filepath.Dir(path)]; !exists || !parent.mode.IsDir() {
		return notExist("open", name)
	}
	f.put(path, &fakeFile{mode: perm, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeSystem) MkdirAll(path string, perm fs.FileMode) error {
	path = filepath.Clean(path)
	for _, dir := range append(ancestors(path), path) {
		if file, ok := f.files[dir]; ok {
			if !file.mode.IsDir() {
				return &fs.PathError{Op: "mkdir", Path: dir, Err: errors.New("not a directory")}
			}
			continue
		}
		f.put(dir, &fakeFile{mode: fs.ModeDir | perm})
	}
	return nil
}

func (f *fakeSystem) Chmod(name string, mode fs.FileMode) error {
	_, file, ok := f.resolve(name)
	if !ok {
		return notExist("chmod", name)
	}
	file.mode = file.mode.Type() | mode.Perm()
	return nil
}

func (f *fakeSystem) Chown(name string, uid, gid int) error {
	_, file, ok := f.resolve(name)
	if !ok {
		return notExist("chown", name)
	}
	if uid >= 0 {
		file.uid = uid
	}
	if gid >= 0 {
		file.gid = gid
	}
	return nil
}

func (f *fakeSystem) Glob(pattern string) ([]string, error) {
	var out []string
	for path := range f.files {
		ok, err := filepath.Match(pattern, path)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

type fakeDirEntry struct {
	name string
	mode fs.FileMode
}

func (d fakeDirEntry) Name() string               { return d.name }
func (d fakeDirEntry) IsDir() bool                { return d.mode.IsDir() }
func (d fakeDirEntry) Type() fs.FileMode          { return d.mode.Type() }
func (d fakeDirEntry) Info() (fs.FileInfo, error) { return nil, errors.New("not supported") }

func (f *fakeSystem) WalkDir(root string, fn fs.WalkDirFunc) error {
	root = filepath.Clean(root)
	var paths []string
	for path := range f.files {
		if path == root || strings.HasPrefix(path, root+"/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		file := f.files[path]
		if err := fn(path, fakeDirEntry{name: filepath.Base(path), mode: file.mode}, nil); err != nil {
			if errors.Is(err, fs.SkipAll) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *fakeSystem) EvalSymlinks(path string) (string, error) {
	resolved, _, ok := f.resolve(path)
	if !ok {
		return "", notExist("lstat", path)
	}
	return resolved, nil
}

func (f *fakeSystem) LookupUser(name string) (*user.User, error) {
	if u, ok := f.users[name]; ok {
		return u, nil
	}
	return nil, user.UnknownUserError(name)
}

func (f *fakeSystem) LookupGroupID(gid string) (*user.Group, error) {
	if g, ok := f.groups[gid]; ok {
		return g, nil
	}
	return nil, user.UnknownGroupIdError(gid)
}

func (f *fakeSystem) Run(_ context.Context, name string, args ...string) (CommandResult, error) {
	f.calls = append(f.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	fn, ok := f.commands[name]
	if !ok {
		return CommandResult{ExitCode: -1}, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return fn(args)
}

// output returns a command that always prints out and exits with code.
func output(out string, code int) fakeCommand {
	return func([]string) (CommandResult, error) {
		return CommandResult{Output: []byte(out), ExitCode: code}, nil
	}
}

// newTestSettings returns settings pointing at stock locations with
// discovery already done.
func newTestSettings() *Settings {
	s := DefaultSettings()
	s.PrivSepDir = "/var/empty/sshd"
	s.BackupDir = "/var/tmp/sshrescue/backup"
	return s
}

func newTestCatalog(t *testing.T, sys *fakeSystem, s *Settings, opts ...CatalogOption) *Catalog {
	t.Helper()
	return NewCatalog(context.Background(), s, sys, NewBackup(sys, s.BackupDir), opts...)
}

// fakeSSHD emulates the daemon's test modes. For "-t" it reports the first class of fault found in
// the fake filesystem, in the order the daemon itself validates.
func fakeSSHD(f *fakeSystem, s *Settings) fakeCommand {
	return func(args []string) (CommandResult, error) {
		path := s.ConfigPath
		if len(args) > 0 && args[0] == "-ddt" {
			return CommandResult{Output: []byte("debug2: load_server_config: filename " + path + "\n")}, nil
		}
		file, ok := f.files[path]
		if !ok {
			return CommandResult{Output: []byte(path + ": No such file or directory\n"), ExitCode: 1}, nil
		}

		var out []string
		for i, line := range strings.Split(string(file.data), "\n") {
			if strings.HasPrefix(line, "BadOption") {
				out = append(out, fmt.Sprintf("%s: line %d: Bad configuration option: %s", path, i+1, strings.Fields(line)[0]))
			}
		}
		if len(out) > 0 {
			out = append(out, fmt.Sprintf("%s: terminating, %d bad configuration options", path, len(out)))
			return CommandResult{Output: []byte(strings.Join(out, "\n") + "\n"), ExitCode: 255}, nil
		}

		if !f.exists(s.PrivSepDir) {
			return CommandResult{Output: []byte("Missing privilege separation directory: " + s.PrivSepDir + "\n"), ExitCode: 255}, nil
		}

		hasKey := false
		for _, key := range s.HostKeys {
			hasKey = hasKey || f.exists(key)
		}
		if !hasKey {
			return CommandResult{Output: []byte("sshd: no hostkeys available -- exiting.\n"), ExitCode: 1}, nil
		}

		if _, ok := f.users[s.PrivSepUser]; !ok {
			return CommandResult{Output: []byte("Privilege separation user " + s.PrivSepUser + " does not exist\n"), ExitCode: 255}, nil
		}
		return CommandResult{}, nil
	}
}

// fakeUseradd creates the user named by the last argument.
func fakeUseradd(f *fakeSystem) fakeCommand {
	return func(args []string) (CommandResult, error) {
		f.addUser(args[len(args)-1], 74, 74)
		return CommandResult{}, nil
	}
}

const (
	aliceUID = 1000
	aliceGID = 1000
)

// newHealthySystem returns a fake host on which every check passes with the
// settings from newTestSettings.
func newHealthySystem(t *testing.T, s *Settings) *fakeSystem {
	t.Helper()
	f := newFakeSystem(t)
	f.addDir("/etc/ssh", 0o755, 0, 0)
	f.addFile(s.ConfigPath, "Port 22\nPermitRootLogin no\n", 0o600, 0, 0)
	for _, key := range s.HostKeys {
		f.addFile(key, "private", 0o600, 0, 0)
		f.addFile(key+".pub", "public", 0o644, 0, 0)
	}
	f.addDir(s.PrivSepDir, 0o711, 0, 0)
	f.addUser(s.PrivSepUser, 74, 74)

	f.addDir("/home", 0o755, 0, 0)
	f.addDir("/home/alice", 0o700, aliceUID, aliceGID)
	f.addDir("/home/alice/.ssh", 0o700, aliceUID, aliceGID)
	f.addFile("/home/alice/.ssh/authorized_keys", "", 0o600, aliceUID, aliceGID)
	f.addUser("alice", aliceUID, aliceGID)

	f.onCommand("sshd", fakeSSHD(f, s))
	f.onCommand("useradd", fakeUseradd(f))
	return f
}
