package sshd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/openfroyo/sshrescue/pkg/engine"
	"github.com/rs/zerolog"
)

var (
	badLineRe         = regexp.MustCompile(`line (\d+)`)
	badOptionsRe      = regexp.MustCompile(`terminating, \d+ bad configuration options`)
	missingPrivSepRe  = regexp.MustCompile(`Missing privilege separation directory: (\S+)`)
	missingPrivUserRe = regexp.MustCompile(`Privilege separation user (\S+) does not exist`)
)

const (
	noHostKeysMsg = "no hostkeys available"
	noSuchFileMsg = "No such file or directory"
)

// ErrUnparsedOutput is returned when sshd reports a fault the checks cannot
// attribute.
var ErrUnparsedOutput = errors.New("unrecognized sshd output")

// ConfigAuditor evaluates a parsed sshd_config against hardening rules and
// returns one message per violation.
type ConfigAuditor interface {
	AuditConfig(ctx context.Context, config map[string][]string) ([]string, error)
}

// Catalog creates the problems of the OpenSSH graph. Checks and fixes close
// over the catalog's settings and system.
type Catalog struct {
	ctx      context.Context
	settings *Settings
	sys      System
	backup   *Backup
	auditor  ConfigAuditor
	logger   zerolog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithAuditor enables the insecure_config_options problem.
func WithAuditor(a ConfigAuditor) CatalogOption {
	return func(c *Catalog) { c.auditor = a }
}

// WithLogger sets the logger used by fixes.
func WithLogger(l zerolog.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = l }
}

// NewCatalog creates a Catalog. ctx bounds every command the checks run.
func NewCatalog(ctx context.Context, settings *Settings, sys System, backup *Backup, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		ctx:      ctx,
		settings: settings,
		sys:      sys,
		backup:   backup,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settings returns the settings problems are bound to.
func (c *Catalog) Settings() *Settings {
	return c.settings
}

// System returns the system problems operate on.
func (c *Catalog) System() System {
	return c.sys
}

// sshdTest runs the daemon's configuration test and returns its output.
func (c *Catalog) sshdTest() (string, error) {
	res, err := c.sys.Run(c.ctx, c.settings.SSHDPath, "-t", "-f", c.settings.ConfigPath)
	if err != nil {
		return "", err
	}
	return string(res.Output), nil
}

// sshdUnavailable turns a missing sshd binary into WARN so dependent checks
// report instead of aborting the solve.
func (c *Catalog) sshdUnavailable(p *engine.Problem, err error) (engine.Outcome, error) {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		p.SetFixMsg("sshd not available: " + c.settings.SSHDPath)
		return engine.OutcomeIndeterminate, nil
	}
	return engine.OutcomeClear, err
}

func (c *Catalog) unfixable() (bool, error) {
	c.logger.Warn().Msg("Unable to automate remediation of this fault.")
	return false, nil
}

// fixFailed logs an operational error hit while remediating. The fault is
// then reported as FIX_FAILED rather than aborting the whole run.
func (c *Catalog) fixFailed(item string, err error) (bool, error) {
	c.logger.Error().Err(err).Str("item", item).Msg("Remediation failed")
	return false, nil
}

// recheck runs check again after a fix.
func recheck(check engine.CheckFunc) (bool, error) {
	outcome, err := check()
	if err != nil {
		return false, err
	}
	return outcome == engine.OutcomeClear, nil
}

// reloadConfig refreshes the parsed configuration after a rewrite.
func (c *Catalog) reloadConfig() {
	data, err := c.sys.ReadFile(c.settings.ConfigPath)
	if err != nil {
		return
	}
	cfg, err := ParseConfiguration(bytes.NewReader(data))
	if err != nil {
		return
	}
	c.settings.Config = cfg
	if keys := cfg["HostKey"]; len(keys) > 0 {
		c.settings.HostKeys = slices.Clone(keys)
	}
	c.settings.AuthorizedKeys = SplitAuthorizedKeys(cfg[authorizedKeysKeyword])
}

// rewriteConfig backs up the configuration file and replaces its lines with
// edit's result, keeping mode and ownership.
func (c *Catalog) rewriteConfig(edit func(lines []string) []string) error {
	path := c.settings.ConfigPath
	if _, err := c.backup.Save(path); err != nil {
		return err
	}
	st, err := c.sys.Stat(path)
	if err != nil {
		return err
	}
	data, err := c.sys.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	out := strings.Join(edit(lines), "\n") + "\n"
	if err := c.sys.WriteFile(path, []byte(out), st.Mode.Perm()); err != nil {
		return err
	}
	if err := c.sys.Chown(path, st.UID, st.GID); err != nil {
		return err
	}
	c.reloadConfig()
	return nil
}

// verifyOrRestore rechecks after a configuration rewrite and rolls the file
// back when the fault persists.
func (c *Catalog) verifyOrRestore(check engine.CheckFunc) (bool, error) {
	fixed, err := recheck(check)
	if err == nil && fixed {
		return true, nil
	}
	if restoreErr := c.backup.Restore(c.settings.ConfigPath); restoreErr != nil {
		c.logger.Error().Err(restoreErr).Str("path", c.settings.ConfigPath).Msg("Failed to restore configuration")
	}
	c.reloadConfig()
	return false, err
}

func commentOut(line string) string {
	return "# " + line + " " + commentMarker
}

// MissingSSHD detects an absent sshd binary. It cannot be fixed.
func (c *Catalog) MissingSSHD() *engine.Problem {
	return engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeService,
		Item:     c.settings.SSHDPath,
		InfoMsg:  "Missing sshd",
		CheckMsg: "presence of the sshd binary",
		FixMsg:   "Install the OpenSSH server package",
		Check: func() (engine.Outcome, error) {
			_, err := c.sys.Run(c.ctx, c.settings.SSHDPath, "-t", "-f", c.settings.ConfigPath)
			if err == nil {
				return engine.OutcomeClear, nil
			}
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
				return engine.OutcomeFault, nil
			}
			return engine.OutcomeClear, err
		},
		Fix: c.unfixable,
	})
}

// MissingConfigFile detects an absent sshd_config and writes a default one.
func (c *Catalog) MissingConfigFile() *engine.Problem {
	var p *engine.Problem
	check := func() (engine.Outcome, error) {
		out, err := c.sshdTest()
		if err != nil {
			return c.sshdUnavailable(p, err)
		}
		return engine.Detected(strings.Contains(out, noSuchFileMsg)), nil
	}
	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeConfig,
		Item:     c.settings.ConfigPath,
		InfoMsg:  "Missing configuration file",
		CheckMsg: "presence of the configuration file",
		FixMsg:   "Create a default configuration file: " + c.settings.ConfigPath,
		Check:    check,
		Fix: func() (bool, error) {
			path := c.settings.ConfigPath
			data := strings.Join(DefaultConfig, "\n") + "\n"
			if err := c.sys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return c.fixFailed(path, err)
			}
			if err := c.sys.WriteFile(path, []byte(data), 0o600); err != nil {
				return c.fixFailed(path, err)
			}
			if err := c.sys.Chmod(path, 0o600); err != nil {
				return c.fixFailed(path, err)
			}
			c.reloadConfig()
			return recheck(check)
		},
	})
	return p
}

// BadConfigOptions detects lines sshd rejects and comments them out.
func (c *Catalog) BadConfigOptions() *engine.Problem {
	var p *engine.Problem
	check := func() (engine.Outcome, error) {
		out, err := c.sshdTest()
		if err != nil {
			return c.sshdUnavailable(p, err)
		}

		var lines []int
		for _, m := range badLineRe.FindAllStringSubmatch(out, -1) {
			n, convErr := strconv.Atoi(m[1])
			if convErr == nil && !slices.Contains(lines, n) {
				lines = append(lines, n)
			}
		}
		if len(lines) == 0 {
			if badOptionsRe.MatchString(out) {
				return engine.OutcomeClear, fmt.Errorf("%w: %s", ErrUnparsedOutput, strings.TrimSpace(out))
			}
			return engine.OutcomeClear, nil
		}

		slices.Sort(lines)
		strs := make([]string, len(lines))
		for i, n := range lines {
			strs[i] = strconv.Itoa(n)
		}
		joined := strings.Join(strs, ",")
		p.SetValue(lines, joined)
		p.SetFixMsg(fmt.Sprintf("Remove/fix lines:     %s in %s", joined, c.settings.ConfigPath))
		return engine.OutcomeFault, nil
	}

	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeConfig,
		Item:     c.settings.ConfigPath,
		InfoMsg:  "Found bad lines in configuration file",
		CheckMsg: "validity of configuration",
		Check:    check,
		Fix: func() (bool, error) {
			bad, _ := p.Value().([]int)
			if len(bad) == 0 {
				return false, nil
			}
			err := c.rewriteConfig(func(lines []string) []string {
				for _, n := range bad {
					if n >= 1 && n <= len(lines) {
						lines[n-1] = commentOut(lines[n-1])
					}
				}
				return lines
			})
			if err != nil {
				return c.fixFailed(c.settings.ConfigPath, err)
			}
			return c.verifyOrRestore(check)
		},
	})
	return p
}

// MissingPrivSepDir detects an absent privilege separation directory.
func (c *Catalog) MissingPrivSepDir() *engine.Problem {
	item := &Path{Path: c.settings.PrivSepDir, Bitmask: GOWrite}
	var p *engine.Problem
	check := func() (engine.Outcome, error) {
		out, err := c.sshdTest()
		if err != nil {
			return c.sshdUnavailable(p, err)
		}
		m := missingPrivSepRe.FindStringSubmatch(out)
		if m == nil {
			return engine.OutcomeClear, nil
		}
		item.Path = m[1]
		p.SetFixMsg("Create privilege separation directory: " + m[1])
		return engine.OutcomeFault, nil
	}

	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeDir,
		Item:     item,
		InfoMsg:  "Missing privilege separation directory",
		CheckMsg: "presence of the privilege separation directory",
		Check:    check,
		Fix: func() (bool, error) {
			if err := c.sys.MkdirAll(item.Path, 0o755); err != nil {
				return c.fixFailed(item.Path, err)
			}
			if err := c.sys.Chmod(item.Path, 0o755); err != nil {
				return c.fixFailed(item.Path, err)
			}
			return recheck(check)
		},
	})
	return p
}

// MissingHostKeys detects that sshd has no usable host key and generates
// every configured one.
func (c *Catalog) MissingHostKeys() *engine.Problem {
	var p *engine.Problem
	check := func() (engine.Outcome, error) {
		out, err := c.sshdTest()
		if err != nil {
			return c.sshdUnavailable(p, err)
		}
		return engine.Detected(strings.Contains(out, noHostKeysMsg)), nil
	}
	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeKey,
		Item:     strings.Join(c.settings.HostKeys, ","),
		InfoMsg:  "Missing host keys",
		CheckMsg: "presence of host keys",
		FixMsg:   "Create new host keys",
		Check:    check,
		Fix: func() (bool, error) {
			generated := 0
			for _, key := range c.settings.HostKeys {
				for _, path := range []string{key, key + ".pub"} {
					if isFile(c.sys, path) {
						if _, err := c.backup.Save(path); err != nil {
							return c.fixFailed(path, err)
						}
					}
				}
				if hostKeyType(key) == "dsa" {
					c.logger.Warn().Str("path", key).Msg("Skipping deprecated DSA host key")
					continue
				}
				if err := GenerateHostKey(c.sys, key); err != nil {
					return c.fixFailed(key, err)
				}
				generated++
			}
			if generated == 0 {
				return c.unfixable()
			}
			return recheck(check)
		},
	})
	return p
}

// MissingPrivSepUser detects an absent privilege separation user and creates it.
func (c *Catalog) MissingPrivSepUser() *engine.Problem {
	var p *engine.Problem
	username := c.settings.PrivSepUser
	check := func() (engine.Outcome, error) {
		out, err := c.sshdTest()
		if err != nil {
			return c.sshdUnavailable(p, err)
		}
		m := missingPrivUserRe.FindStringSubmatch(out)
		if m == nil {
			return engine.OutcomeClear, nil
		}
		username = m[1]
		p.SetFixMsg("Create privilege separation user: " + username)
		return engine.OutcomeFault, nil
	}

	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeUser,
		Item:     c.settings.PrivSepUser,
		InfoMsg:  "Missing privilege separation user",
		CheckMsg: "presence of the privilege separation user",
		FixMsg:   "Create privilege separation user: " + c.settings.PrivSepUser,
		Check:    check,
		Fix: func() (bool, error) {
			res, err := c.sys.Run(c.ctx, "useradd",
				"--system",
				"--no-create-home",
				"--home-dir", c.settings.PrivSepDir,
				"--shell", "/sbin/nologin",
				"--comment", "Privilege-separated SSH",
				username)
			if err != nil {
				return c.fixFailed(username, err)
			}
			if res.ExitCode != 0 {
				return c.fixFailed(username, fmt.Errorf("useradd exited %d: %s", res.ExitCode, bytes.TrimSpace(res.Output)))
			}
			return recheck(check)
		},
	})
	return p
}

type duplicateLines struct {
	LineNums []int
	Values   []string
}

// DuplicateKeyfileLines detects multiple AuthorizedKeysFile lines, of which
// sshd honours only the first, and merges them into one.
func (c *Catalog) DuplicateKeyfileLines() *engine.Problem {
	var p *engine.Problem
	check := func() (engine.Outcome, error) {
		data, err := c.sys.ReadFile(c.settings.ConfigPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return engine.OutcomeClear, nil
			}
			return engine.OutcomeClear, err
		}

		var dup duplicateLines
		for i, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 || fields[0] != authorizedKeysKeyword {
				continue
			}
			dup.LineNums = append(dup.LineNums, i+1)
			for _, v := range fields[1:] {
				if !slices.Contains(dup.Values, v) {
					dup.Values = append(dup.Values, v)
				}
			}
		}
		if len(dup.LineNums) < 2 {
			return engine.OutcomeClear, nil
		}

		strs := make([]string, len(dup.LineNums))
		for i, n := range dup.LineNums {
			strs[i] = strconv.Itoa(n)
		}
		p.SetValue(dup, strings.Join(strs, ","))
		return engine.OutcomeFault, nil
	}

	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeConfig,
		Item:     c.settings.ConfigPath,
		InfoMsg:  "Duplicate AuthorizedKeysFile lines",
		CheckMsg: "uniqueness of AuthorizedKeysFile",
		FixMsg:   "Merge AuthorizedKeysFile lines into a single line",
		Check:    check,
		Fix: func() (bool, error) {
			dup, ok := p.Value().(duplicateLines)
			if !ok || len(dup.LineNums) == 0 {
				return false, nil
			}
			last := dup.LineNums[len(dup.LineNums)-1]
			merged := authorizedKeysKeyword + " " + strings.Join(dup.Values, " ")
			err := c.rewriteConfig(func(lines []string) []string {
				out := make([]string, 0, len(lines)+1)
				for i, line := range lines {
					n := i + 1
					if slices.Contains(dup.LineNums, n) {
						out = append(out, commentOut(line))
					} else {
						out = append(out, line)
					}
					if n == last {
						out = append(out, merged)
					}
				}
				return out
			})
			if err != nil {
				return c.fixFailed(c.settings.ConfigPath, err)
			}
			return c.verifyOrRestore(check)
		},
	})
	return p
}

func modeInfoMsg(bitmask fs.FileMode) string {
	switch {
	case bitmask&GOAll == GOAll:
		return "Permission mode includes permissions for groups and/or other users"
	case bitmask == OAll:
		return "Permission mode includes permissions for other users"
	default:
		return "Permission mode includes write for groups and/or other users"
	}
}

// statOrWarn stats a path that may have vanished because an upstream fault
// was detected but not remediated.
func (c *Catalog) statOrWarn(p *engine.Problem, path string) (FileStat, engine.Outcome, error) {
	st, err := c.sys.Stat(path)
	if err == nil {
		return st, engine.OutcomeClear, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		p.SetFixMsg("Path does not exist: " + path)
		return st, engine.OutcomeIndeterminate, nil
	}
	return st, engine.OutcomeClear, err
}

// BadMode detects permission bits forbidden by path.Bitmask and clears them.
func (c *Catalog) BadMode(path *Path) *engine.Problem {
	var p *engine.Problem
	check := func() (engine.Outcome, error) {
		st, outcome, err := c.statOrWarn(p, path.Path)
		if err != nil || outcome != engine.OutcomeClear {
			return outcome, err
		}
		perm := st.Mode.Perm()
		if perm&path.Bitmask == 0 {
			return engine.OutcomeClear, nil
		}
		path.ExpectedMode = expectedMode(st.Mode, path.Bitmask)
		p.SetValue(perm, fmt.Sprintf("%#o", uint32(perm)))
		p.SetFixMsg(fmt.Sprintf("Change mode to %#o", uint32(path.ExpectedMode)))
		return engine.OutcomeFault, nil
	}

	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeMode,
		Item:     path,
		InfoMsg:  modeInfoMsg(path.Bitmask),
		CheckMsg: "permission mode",
		Check:    check,
		Fix: func() (bool, error) {
			if err := c.sys.Chmod(path.Path, path.ExpectedMode); err != nil {
				return c.fixFailed(path.Path, err)
			}
			return recheck(check)
		},
	})
	return p
}

// BadUID detects an owner other than path.ExpectedUID and chowns the path.
// The group is left unchanged.
func (c *Catalog) BadUID(path *Path) *engine.Problem {
	var p *engine.Problem
	check := func() (engine.Outcome, error) {
		st, outcome, err := c.statOrWarn(p, path.Path)
		if err != nil || outcome != engine.OutcomeClear {
			return outcome, err
		}
		if st.UID == path.ExpectedUID {
			return engine.OutcomeClear, nil
		}
		p.SetValue(st.UID, strconv.Itoa(st.UID))
		return engine.OutcomeFault, nil
	}

	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeUID,
		Item:     path,
		InfoMsg:  "Incorrect owner uid",
		CheckMsg: "owner uid",
		FixMsg:   fmt.Sprintf("Change owner uid to %d", path.ExpectedUID),
		Check:    check,
		Fix: func() (bool, error) {
			if err := c.sys.Chown(path.Path, path.ExpectedUID, -1); err != nil {
				return c.fixFailed(path.Path, err)
			}
			return recheck(check)
		},
	})
	return p
}

// dirCreateMode is the mode given to directories the tool creates.
func dirCreateMode(path *Path) fs.FileMode {
	if filepath.Base(path.Path) == ".ssh" {
		return 0o700
	}
	return 0o755 &^ path.Bitmask
}

// MissingDir detects an absent directory on the way to an authorized_keys
// file and creates it with the expected owner.
func (c *Catalog) MissingDir(path *Path) *engine.Problem {
	check := func() (engine.Outcome, error) {
		return engine.Detected(!isDir(c.sys, path.Path)), nil
	}
	return engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeDir,
		Item:     path,
		InfoMsg:  "Missing directory",
		CheckMsg: "presence of directory",
		FixMsg:   "Create directory " + path.Path,
		Check:    check,
		Fix: func() (bool, error) {
			mode := dirCreateMode(path)
			if err := c.sys.MkdirAll(path.Path, mode); err != nil {
				return c.fixFailed(path.Path, err)
			}
			if err := c.sys.Chmod(path.Path, mode); err != nil {
				return c.fixFailed(path.Path, err)
			}
			if err := c.sys.Chown(path.Path, path.ExpectedUID, path.ExpectedGID); err != nil {
				return c.fixFailed(path.Path, err)
			}
			return recheck(check)
		},
	})
}

// MissingKey detects an absent authorized_keys file and creates it, seeding
// it with the injection key when one is configured.
func (c *Catalog) MissingKey(path *Path) *engine.Problem {
	check := func() (engine.Outcome, error) {
		return engine.Detected(!isFile(c.sys, path.Path)), nil
	}
	return engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypeFile,
		Item:     path,
		InfoMsg:  "Missing authorized keys file",
		CheckMsg: "presence of authorized keys file",
		FixMsg:   "Create file " + path.Path,
		Check:    check,
		Fix: func() (bool, error) {
			if err := c.sys.WriteFile(path.Path, nil, 0o600); err != nil {
				return c.fixFailed(path.Path, err)
			}
			if err := c.sys.Chmod(path.Path, 0o600); err != nil {
				return c.fixFailed(path.Path, err)
			}
			if err := c.sys.Chown(path.Path, path.ExpectedUID, path.ExpectedGID); err != nil {
				return c.fixFailed(path.Path, err)
			}
			if c.settings.NewKey != "" {
				if _, err := InjectKeySingle(c.sys, c.settings.NewKey, path.Path); err != nil {
					return c.fixFailed(path.Path, err)
				}
			}
			return recheck(check)
		},
	})
}

// InsecureConfigOptions audits the configuration against hardening rules.
// Violations are reported as warnings and never remediated. It returns nil
// when the catalog has no auditor.
func (c *Catalog) InsecureConfigOptions() *engine.Problem {
	if c.auditor == nil {
		return nil
	}
	var p *engine.Problem
	p = engine.NewProblem(engine.ProblemSpec{
		ItemType: engine.ItemTypePolicy,
		Item:     c.settings.ConfigPath,
		InfoMsg:  "Configuration weakens SSH security",
		CheckMsg: "hardening policy",
		Check: func() (engine.Outcome, error) {
			c.reloadConfig()
			msgs, err := c.auditor.AuditConfig(c.ctx, c.settings.Config)
			if err != nil {
				return engine.OutcomeClear, err
			}
			if len(msgs) == 0 {
				return engine.OutcomeClear, nil
			}
			p.SetValue(msgs, strconv.Itoa(len(msgs)))
			p.SetFixMsg(strings.Join(msgs, "; "))
			return engine.OutcomeIndeterminate, nil
		},
	})
	return p
}
