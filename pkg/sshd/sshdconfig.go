package sshd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// DefaultConfig is written when no sshd_config exists.
var DefaultConfig = []string{
	"HostKey /etc/ssh/ssh_host_rsa_key",
	"HostKey /etc/ssh/ssh_host_ecdsa_key",
	"HostKey /etc/ssh/ssh_host_ed25519_key",
	"SyslogFacility AUTHPRIV",
	"PermitRootLogin no",
	"AuthorizedKeysFile .ssh/authorized_keys",
	"PasswordAuthentication no",
	"ChallengeResponseAuthentication no",
	"UsePAM yes",
}

// Candidate privilege separation directories, in preference order.
var privSepDirCandidates = []string{"/var/empty/sshd", "/var/empty", "/var/run/sshd"}

const authorizedKeysKeyword = "AuthorizedKeysFile"

var (
	loadServerConfigRe = regexp.MustCompile(`debug2: load_server_config: filename (\S+)`)
	noSuchFileRe       = regexp.MustCompile(`(?m)^(\S+): No such file or directory`)
)

// ErrNotFound is returned when a required path cannot be discovered.
var ErrNotFound = errors.New("not found")

// ParseConfiguration reads an sshd_config into keyword -> values.
//
// Blank and comment lines are skipped. Keywords other than AuthorizedKeysFile
// are only kept with exactly one value. AuthorizedKeysFile values are split
// into separate entries, and tokens expanding %h or %u are dropped since they
// cannot be resolved without a user. Repeated keyword/value pairs are kept once.
func ParseConfiguration(r io.Reader) (map[string][]string, error) {
	config := make(map[string][]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key, values := fields[0], fields[1:]

		if key == authorizedKeysKeyword {
			for _, v := range values {
				if strings.Contains(v, "%h") || strings.Contains(v, "%u") {
					continue
				}
				if !slices.Contains(config[key], v) {
					config[key] = append(config[key], v)
				}
			}
			continue
		}

		if len(values) != 1 {
			continue
		}
		if !slices.Contains(config[key], values[0]) {
			config[key] = append(config[key], values[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return config, nil
}

// SplitAuthorizedKeys sorts AuthorizedKeysFile entries into absolute and
// home-relative paths. An empty list yields the sshd default.
func SplitAuthorizedKeys(entries []string) AuthorizedKeys {
	if len(entries) == 0 {
		entries = []string{".ssh/authorized_keys"}
	}
	var ak AuthorizedKeys
	for _, e := range entries {
		if filepath.IsAbs(e) {
			ak.Absolute = append(ak.Absolute, e)
		} else {
			ak.Relative = append(ak.Relative, e)
		}
	}
	return ak
}

// ConfigFilePath asks sshd which configuration file it loads.
func ConfigFilePath(ctx context.Context, sys System, sshdPath string) (string, error) {
	res, err := sys.Run(ctx, sshdPath, "-ddt")
	if err != nil {
		return "", err
	}
	if m := loadServerConfigRe.FindSubmatch(res.Output); m != nil {
		return string(m[1]), nil
	}
	if m := noSuchFileRe.FindSubmatch(res.Output); m != nil {
		return string(m[1]), nil
	}
	return "", fmt.Errorf("server configuration file path: %w", ErrNotFound)
}

// PrivilegeSeparationDir finds the chroot directory sshd uses before
// authentication. The FILES section of the sshd manual page is consulted
// first; when it is unavailable the first existing well-known directory is used.
func PrivilegeSeparationDir(ctx context.Context, sys System) (string, error) {
	res, err := sys.Run(ctx, "man", "sshd")
	if err != nil || res.ExitCode != 0 {
		for _, dir := range privSepDirCandidates {
			if _, statErr := sys.Stat(dir); statErr == nil {
				return dir, nil
			}
		}
		return "", fmt.Errorf("privilege separation directory: %w", ErrNotFound)
	}

	var previous string
	for _, line := range strings.Split(stripOverstrike(string(res.Output)), "\n") {
		if strings.Contains(line, "privilege separation") && strings.HasPrefix(previous, "/") {
			return previous, nil
		}
		previous = strings.TrimSpace(line)
	}
	return "", fmt.Errorf("privilege separation directory: %w", ErrNotFound)
}

// stripOverstrike removes the "c\bc" bold sequences man emits.
func stripOverstrike(s string) string {
	if !strings.Contains(s, "\b") {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\b' {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Distro reads /etc/os-release and returns ID followed by VERSION_ID,
// e.g. "amzn2". An unreadable file yields "".
func Distro(sys System) string {
	data, err := sys.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	var id, version string
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"'`)
		switch k {
		case "ID":
			id = v
		case "VERSION_ID":
			version = v
		}
	}
	return id + version
}

// Setup resolves the configuration path, parsed configuration, host keys,
// authorized key locations, privilege separation directory and distro into s.
// Settings keep their defaults for anything that cannot be resolved and the
// resolution errors are returned joined.
func Setup(ctx context.Context, sys System, s *Settings) error {
	var errs []error

	if s.Distro == "" {
		s.Distro = Distro(sys)
	}

	if path, err := ConfigFilePath(ctx, sys, s.SSHDPath); err != nil {
		errs = append(errs, err)
	} else {
		s.ConfigPath = path
	}

	if data, err := sys.ReadFile(s.ConfigPath); err == nil {
		if cfg, parseErr := ParseConfiguration(bytes.NewReader(data)); parseErr == nil {
			s.Config = cfg
		} else {
			errs = append(errs, parseErr)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}

	if keys := s.Config["HostKey"]; len(keys) > 0 {
		s.HostKeys = slices.Clone(keys)
	}
	s.AuthorizedKeys = SplitAuthorizedKeys(s.Config[authorizedKeysKeyword])

	if s.PrivSepDir == "" {
		if dir, err := PrivilegeSeparationDir(ctx, sys); err != nil {
			s.PrivSepDir = privSepDirCandidates[0]
			errs = append(errs, err)
		} else {
			s.PrivSepDir = dir
		}
	}

	return errors.Join(errs...)
}
