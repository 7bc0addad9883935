package sshd

import (
	"io/fs"
	"path/filepath"
	"slices"
)

// Permission bitmasks a path must not carry.
const (
	// GOWrite forbids write for group and other.
	GOWrite fs.FileMode = 0o022

	// GOAll forbids every group and other permission.
	GOAll fs.FileMode = 0o077

	// OAll forbids every other permission.
	OAll fs.FileMode = 0o007
)

// Marker appended to configuration lines the tool comments out.
const commentMarker = "# commented out by sshrescue"

// Default locations.
const (
	DefaultConfigPath  = "/etc/ssh/sshd_config"
	DefaultSSHDir      = "/etc/ssh"
	DefaultHomeGlob    = "/home/*"
	DefaultPrivSepUser = "sshd"
	DefaultLogDir      = "/var/tmp/sshrescue"
)

// DefaultHostKeys are generated when the configuration names none.
var DefaultHostKeys = []string{
	"/etc/ssh/ssh_host_rsa_key",
	"/etc/ssh/ssh_host_ecdsa_key",
	"/etc/ssh/ssh_host_ed25519_key",
}

// DefaultExcludedUsers are home directories never audited or modified.
var DefaultExcludedUsers = []string{"ssm-user"}

// AuthorizedKeys splits AuthorizedKeysFile entries by kind.
type AuthorizedKeys struct {
	// Absolute paths are used as is.
	Absolute []string `json:"absolute" yaml:"absolute"`

	// Relative paths are resolved against each user's home directory.
	Relative []string `json:"relative" yaml:"relative"`
}

// Settings is the run configuration shared by every check and fix.
// It is built once per run and handed to collaborators explicitly.
type Settings struct {
	// SSHDPath is the sshd binary, looked up in PATH when not absolute.
	SSHDPath string

	// ConfigPath is the sshd_config in effect.
	ConfigPath string

	// Config is the parsed configuration (keyword -> values).
	Config map[string][]string

	HostKeys       []string
	AuthorizedKeys AuthorizedKeys

	// PrivSepDir is the privilege separation directory.
	PrivSepDir string

	// PrivSepUser is the unprivileged user sshd drops to.
	PrivSepUser string

	// Distro identifies the OS, e.g. "amzn2" or "ubuntu22.04".
	Distro string

	SSHDir        string
	HomeGlob      string
	ExcludedUsers []string

	Remediate     bool
	InjectKey     bool
	InjectKeyOnly bool
	CreateNewKeys bool
	NotAnInstance bool

	// NewKey is an authorized_keys line to inject.
	NewKey string

	// NewKeyPath receives the private half of a generated key pair.
	NewKeyPath string

	BackupDir string
	LogDir    string
}

// DefaultSettings returns settings for a stock OpenSSH install.
func DefaultSettings() *Settings {
	return &Settings{
		SSHDPath:   "sshd",
		ConfigPath: DefaultConfigPath,
		Config:     make(map[string][]string),
		HostKeys:   slices.Clone(DefaultHostKeys),
		AuthorizedKeys: AuthorizedKeys{
			Relative: []string{".ssh/authorized_keys"},
		},
		PrivSepUser:   DefaultPrivSepUser,
		SSHDir:        DefaultSSHDir,
		HomeGlob:      DefaultHomeGlob,
		ExcludedUsers: slices.Clone(DefaultExcludedUsers),
		LogDir:        DefaultLogDir,
		BackupDir:     filepath.Join(DefaultLogDir, "backup"),
		NewKeyPath:    filepath.Join(DefaultLogDir, "sshrescue_key"),
	}
}

// Excluded reports whether username is exempt from home directory checks.
func (s *Settings) Excluded(username string) bool {
	return slices.Contains(s.ExcludedUsers, username)
}

// Path describes a filesystem object together with the ownership and
// permissions it is expected to have.
type Path struct {
	Path string

	// Bitmask holds the permission bits the path must not carry.
	Bitmask fs.FileMode

	ExpectedUID int
	ExpectedGID int

	// ExpectedMode is derived by the mode check from the observed mode.
	ExpectedMode fs.FileMode
}

// String returns the path.
func (p *Path) String() string {
	return p.Path
}

// expectedMode strips the forbidden bits from mode. Non-directories also
// lose owner execute.
func expectedMode(mode fs.FileMode, bitmask fs.FileMode) fs.FileMode {
	perm := mode.Perm() &^ bitmask
	if !mode.IsDir() {
		perm &^= 0o100
	}
	return perm
}
