package sshd

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/sshrescue/pkg/engine"
)

// Fixed vertex labels.
const (
	LabelMissingSSHD           = "missing_sshd"
	LabelMissingConfigFile     = "missing_config_file"
	LabelBadConfigOptions      = "bad_config_options"
	LabelMissingPrivSepDir     = "missing_priv_sep_dir"
	LabelMissingHostKeys       = "missing_host_keys"
	LabelMissingPrivSepUser    = "missing_priv_sep_user"
	LabelDuplicateKeyfileLines = "duplicate_keyfile_lines"
	LabelInsecureConfigOptions = "insecure_config_options"
)

// Per-path label prefixes.
const (
	prefixBadMode    = "bad_mode_"
	prefixBadUID     = "bad_uid_"
	prefixMissingDir = "missing_dir_"
	prefixMissingKey = "missing_key_"
)

// Distro identifier needing the ssh_keys group exception for host keys.
const distroAmazonLinux2 = "amzn2"

type fileID struct {
	dev, ino uint64
}

type graphBuilder struct {
	c    *Catalog
	g    *engine.DirectedAcyclicGraph
	seen map[fileID]bool
}

// BuildGraph creates the OpenSSH problem graph. An edge u -> v means v can
// only be judged once u is resolved.
func BuildGraph(c *Catalog) (*engine.DirectedAcyclicGraph, error) {
	b := &graphBuilder{
		c:    c,
		g:    engine.NewDirectedAcyclicGraph(),
		seen: make(map[fileID]bool),
	}
	s := c.settings

	b.add(LabelMissingSSHD, c.MissingSSHD())
	b.add(LabelMissingConfigFile, c.MissingConfigFile())
	b.add(LabelBadConfigOptions, c.BadConfigOptions())
	b.add(LabelMissingPrivSepDir, c.MissingPrivSepDir())
	b.add(LabelMissingHostKeys, c.MissingHostKeys())
	b.add(LabelMissingPrivSepUser, c.MissingPrivSepUser())
	b.add(LabelDuplicateKeyfileLines, c.DuplicateKeyfileLines())

	edges := [][2]string{
		{LabelMissingSSHD, LabelMissingConfigFile},
		{LabelMissingConfigFile, LabelBadConfigOptions},
		{LabelBadConfigOptions, LabelMissingPrivSepDir},
		{LabelBadConfigOptions, LabelDuplicateKeyfileLines},
		{LabelMissingPrivSepDir, LabelMissingHostKeys},
		{LabelMissingHostKeys, LabelMissingPrivSepUser},
	}
	if p := c.InsecureConfigOptions(); p != nil {
		b.add(LabelInsecureConfigOptions, p)
		edges = append(edges, [2]string{LabelBadConfigOptions, LabelInsecureConfigOptions})
	}
	for _, e := range edges {
		if err := b.link(e[0], e[1]); err != nil {
			return nil, err
		}
	}

	steps := []func() error{
		b.addHostKeys,
		b.addPrivSepDir,
		b.addUserKeys,
		b.addAbsoluteKeys,
		b.addSSHDir,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	c.logger.Debug().Int("vertices", b.g.Len()).Str("config", s.ConfigPath).Msg("Built problem graph")
	return b.g, nil
}

func (b *graphBuilder) add(label string, p *engine.Problem) bool {
	return b.g.AddVertex(engine.NewVertex(label, p))
}

// link adds from -> to, tolerating an edge that already exists.
func (b *graphBuilder) link(from, to string) error {
	if v, ok := b.g.Vertex(from); ok && v.HasSuccessor(to) {
		return nil
	}
	if !b.g.AddEdge(from, to) {
		return engine.NewPermanentError(fmt.Sprintf("failed to add edge %s -> %s", from, to), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return nil
}

// markSeen records the inode behind path. It returns false when the inode
// was already recorded, so hard links and repeated entries are checked once.
func (b *graphBuilder) markSeen(path string) bool {
	st, err := b.c.sys.Stat(path)
	if err != nil {
		return false
	}
	if st.Dev == 0 && st.Ino == 0 {
		return true
	}
	id := fileID{dev: st.Dev, ino: st.Ino}
	if b.seen[id] {
		return false
	}
	b.seen[id] = true
	return true
}

// addModeUID adds the bad_mode and bad_uid vertices of path, linked from
// parent unless parent is empty.
func (b *graphBuilder) addModeUID(parent, path string, bitmask fs.FileMode, uid, gid int) error {
	modeLabel, uidLabel := prefixBadMode+path, prefixBadUID+path
	b.add(modeLabel, b.c.BadMode(&Path{Path: path, Bitmask: bitmask, ExpectedUID: uid, ExpectedGID: gid}))
	b.add(uidLabel, b.c.BadUID(&Path{Path: path, Bitmask: bitmask, ExpectedUID: uid, ExpectedGID: gid}))
	if parent == "" {
		return nil
	}
	if err := b.link(parent, modeLabel); err != nil {
		return err
	}
	return b.link(parent, uidLabel)
}

// hostKeyBitmask returns GOAll, relaxed to OAll on Amazon Linux 2 where host
// keys are group-owned by ssh_keys.
func (b *graphBuilder) hostKeyBitmask(path string) fs.FileMode {
	if b.c.settings.Distro != distroAmazonLinux2 {
		return GOAll
	}
	st, err := b.c.sys.Stat(path)
	if err != nil {
		return GOAll
	}
	grp, err := b.c.sys.LookupGroupID(strconv.Itoa(st.GID))
	if err == nil && grp.Name == "ssh_keys" {
		return OAll
	}
	return GOAll
}

func (b *graphBuilder) addHostKeys() error {
	for _, key := range b.c.settings.HostKeys {
		if !isFile(b.c.sys, key) {
			continue
		}
		resolved, err := b.c.sys.EvalSymlinks(key)
		if err != nil || !b.markSeen(resolved) {
			continue
		}
		if err := b.addModeUID(LabelMissingSSHD, resolved, b.hostKeyBitmask(resolved), 0, 0); err != nil {
			return err
		}
	}
	return nil
}

func (b *graphBuilder) addPrivSepDir() error {
	dir := b.c.settings.PrivSepDir
	if dir == "" {
		return nil
	}
	b.markSeen(dir)
	return b.addModeUID(LabelMissingPrivSepDir, dir, GOWrite, 0, 0)
}

// ancestors returns every directory from the filesystem root down to the
// parent of path, e.g. /home, /home/u, /home/u/.ssh for /home/u/.ssh/keys.
func ancestors(path string) []string {
	var dirs []string
	for dir := filepath.Dir(path); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		dirs = append(dirs, dir)
	}
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return dirs
}

// addKeyChain adds the missing_dir chain leading to an authorized_keys file
// and the file itself. Paths inside home belong to uid:gid, everything
// above it to root.
func (b *graphBuilder) addKeyChain(keyPath, home string, uid, gid int) error {
	owner := func(p string) (int, int) {
		if home != "" && (p == home || strings.HasPrefix(p, home+"/")) {
			return uid, gid
		}
		return 0, 0
	}

	prev := LabelDuplicateKeyfileLines
	for _, dir := range ancestors(keyPath) {
		u, g := owner(dir)
		label := prefixMissingDir + dir
		b.add(label, b.c.MissingDir(&Path{Path: dir, Bitmask: GOWrite, ExpectedUID: u, ExpectedGID: g}))
		if err := b.addModeUID(label, dir, GOWrite, u, g); err != nil {
			return err
		}
		if err := b.link(prev, label); err != nil {
			return err
		}
		prev = label
	}

	u, g := owner(keyPath)
	label := prefixMissingKey + keyPath
	b.add(label, b.c.MissingKey(&Path{Path: keyPath, Bitmask: GOWrite, ExpectedUID: u, ExpectedGID: g}))
	if err := b.addModeUID(label, keyPath, GOWrite, u, g); err != nil {
		return err
	}
	return b.link(prev, label)
}

func (b *graphBuilder) addUserKeys() error {
	s := b.c.settings
	homes, err := b.c.sys.Glob(s.HomeGlob)
	if err != nil {
		return fmt.Errorf("failed to list home directories: %w", err)
	}
	sort.Strings(homes)

	for _, home := range homes {
		resolved, err := b.c.sys.EvalSymlinks(home)
		if err != nil || !isDir(b.c.sys, resolved) {
			continue
		}
		username := filepath.Base(resolved)
		if s.Excluded(username) {
			continue
		}
		u, err := b.c.sys.LookupUser(username)
		if err != nil {
			continue
		}
		uid, _ := strconv.Atoi(u.Uid)
		gid, _ := strconv.Atoi(u.Gid)

		for _, rel := range s.AuthorizedKeys.Relative {
			if err := b.addKeyChain(filepath.Join(resolved, rel), resolved, uid, gid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *graphBuilder) addAbsoluteKeys() error {
	for _, abs := range b.c.settings.AuthorizedKeys.Absolute {
		dir, err := b.c.sys.EvalSymlinks(filepath.Dir(abs))
		if err != nil || !isDir(b.c.sys, dir) {
			continue
		}
		if err := b.addKeyChain(filepath.Join(dir, filepath.Base(abs)), "", 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// addSSHDir adds standalone mode and owner checks for everything under the
// OpenSSH configuration directory. Symbolic links are skipped.
func (b *graphBuilder) addSSHDir() error {
	root := b.c.settings.SSHDir
	if root == "" || !isDir(b.c.sys, root) {
		return nil
	}
	return b.c.sys.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		lst, err := b.c.sys.Lstat(path)
		if err != nil || lst.IsSymlink() || !b.markSeen(path) {
			return nil
		}
		bitmask := GOWrite
		if lst.IsRegular() && strings.HasSuffix(path, "_key") {
			bitmask = b.hostKeyBitmask(path)
		}
		return b.addModeUID("", path, bitmask, 0, 0)
	})
}
