package sshd

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const (
	rsaKeyBits = 3072

	// instanceKeyPath is the IMDS path of the launch key pair's public key.
	instanceKeyPath = "public-keys/0/openssh-key"
)

// ErrNoKey is returned when key injection has no key to inject.
var ErrNoKey = errors.New("no key available for injection")

// MetadataClient fetches instance metadata. *imds.Client satisfies it.
type MetadataClient interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// NewMetadataClient returns an IMDS client with the SDK defaults.
func NewMetadataClient() MetadataClient {
	return imds.New(imds.Options{})
}

// InstanceKey returns the public key the instance was launched with.
func InstanceKey(ctx context.Context, client MetadataClient) (string, error) {
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: instanceKeyPath})
	if err != nil {
		return "", fmt.Errorf("failed to fetch instance key: %w", err)
	}
	defer out.Content.Close()

	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("failed to read instance key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", ErrNoKey
	}
	return key, nil
}

// KeyPair is a generated key in OpenSSH formats.
type KeyPair struct {
	// Private is the PEM encoded OpenSSH private key.
	Private []byte

	// Public is the authorized_keys line without trailing newline.
	Public string
}

// GenerateKeyPair creates an RSA key pair for user access.
func GenerateKeyPair(comment string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return marshalKeyPair(priv, priv.Public(), comment)
}

func marshalKeyPair(priv crypto.PrivateKey, pub crypto.PublicKey, comment string) (*KeyPair, error) {
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}

	public := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		public += " " + comment
	}
	return &KeyPair{Private: pem.EncodeToMemory(block), Public: public}, nil
}

// hostKeyType infers the algorithm from an OpenSSH host key file name.
func hostKeyType(path string) string {
	base := filepath.Base(path)
	switch {
	case strings.Contains(base, "ed25519"):
		return "ed25519"
	case strings.Contains(base, "ecdsa"):
		return "ecdsa"
	case strings.Contains(base, "dsa"):
		return "dsa"
	default:
		return "rsa"
	}
}

// GenerateHostKey writes a new host key pair to path and path.pub.
func GenerateHostKey(sys System, path string) error {
	var (
		priv crypto.PrivateKey
		pub  crypto.PublicKey
		err  error
	)
	switch hostKeyType(path) {
	case "ed25519":
		var edPub ed25519.PublicKey
		edPub, priv, err = ed25519.GenerateKey(rand.Reader)
		pub = edPub
	case "ecdsa":
		var k *ecdsa.PrivateKey
		k, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if k != nil {
			priv, pub = k, k.Public()
		}
	case "dsa":
		return fmt.Errorf("refusing to generate deprecated DSA host key %s", path)
	default:
		var k *rsa.PrivateKey
		k, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if k != nil {
			priv, pub = k, k.Public()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to generate host key %s: %w", path, err)
	}

	pair, err := marshalKeyPair(priv, pub, "")
	if err != nil {
		return err
	}
	if err := sys.WriteFile(path, pair.Private, 0o600); err != nil {
		return fmt.Errorf("failed to write host key %s: %w", path, err)
	}
	if err := sys.WriteFile(path+".pub", []byte(pair.Public+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write host public key %s: %w", path, err)
	}
	// WriteFile leaves the mode of existing files alone.
	if err := sys.Chmod(path, 0o600); err != nil {
		return err
	}
	return sys.Chmod(path+".pub", 0o644)
}

// sameKey compares two authorized_keys lines by key material, ignoring
// options and comments. Lines that do not parse are compared verbatim.
func sameKey(a, b string) bool {
	if strings.TrimSpace(a) == strings.TrimSpace(b) {
		return true
	}
	ka, _, _, _, errA := ssh.ParseAuthorizedKey([]byte(a))
	kb, _, _, _, errB := ssh.ParseAuthorizedKey([]byte(b))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ka.Marshal(), kb.Marshal())
}

// KeyInjection is the outcome of injecting a key into one file.
type KeyInjection int

const (
	// KeySkipped means no key or no path was given.
	KeySkipped KeyInjection = iota
	// KeyPresent means the file already held the key and was left alone.
	KeyPresent
	// KeyAppended means the key was written to the file.
	KeyAppended
)

// InjectKeySingle appends key to the authorized_keys file at path unless it
// is already present.
func InjectKeySingle(sys System, key, path string) (KeyInjection, error) {
	key = strings.TrimSpace(key)
	if key == "" || path == "" {
		return KeySkipped, nil
	}

	perm := fs.FileMode(0o600)
	var existing []byte
	if st, err := sys.Stat(path); err == nil {
		perm = st.Mode.Perm()
		if existing, err = sys.ReadFile(path); err != nil {
			return KeySkipped, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return KeySkipped, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	for _, line := range strings.Split(string(existing), "\n") {
		if sameKey(line, key) {
			return KeyPresent, nil
		}
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteString(key)
	buf.WriteByte('\n')

	if err := sys.WriteFile(path, buf.Bytes(), perm); err != nil {
		return KeySkipped, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return KeyAppended, nil
}

// KeyInjector adds a key to every authorized_keys file sshd consults.
type KeyInjector struct {
	sys      System
	settings *Settings
	backup   *Backup
	metadata MetadataClient
	logger   zerolog.Logger
}

// NewKeyInjector creates a KeyInjector. metadata may be nil when the host is
// not a cloud instance.
func NewKeyInjector(sys System, settings *Settings, backup *Backup, metadata MetadataClient, logger zerolog.Logger) *KeyInjector {
	return &KeyInjector{
		sys:      sys,
		settings: settings,
		backup:   backup,
		metadata: metadata,
		logger:   logger.With().Str("component", "key_injector").Logger(),
	}
}

// InjectKeyAll injects key into every existing authorized_keys file: each
// absolute AuthorizedKeysFile and each relative one under every user home.
// Files are backed up before modification. It returns the files the key
// was appended to; files that already held it are not counted.
func (k *KeyInjector) InjectKeyAll(key string) ([]string, error) {
	var targets []string

	for _, p := range k.settings.AuthorizedKeys.Absolute {
		resolved, err := k.sys.EvalSymlinks(p)
		if err != nil {
			continue
		}
		if isFile(k.sys, resolved) {
			targets = append(targets, resolved)
		}
	}

	homes, err := k.sys.Glob(k.settings.HomeGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to list home directories: %w", err)
	}
	sort.Strings(homes)
	for _, home := range homes {
		resolved, err := k.sys.EvalSymlinks(home)
		if err != nil || !isDir(k.sys, resolved) {
			continue
		}
		username := filepath.Base(resolved)
		if k.settings.Excluded(username) {
			continue
		}
		if _, err := k.sys.LookupUser(username); err != nil {
			continue
		}
		for _, rel := range k.settings.AuthorizedKeys.Relative {
			full := filepath.Join(resolved, rel)
			if isFile(k.sys, full) && !slices.Contains(targets, full) {
				targets = append(targets, full)
			}
		}
	}

	var changed []string
	for _, target := range targets {
		if _, err := k.backup.Save(target); err != nil {
			return changed, err
		}
		res, err := InjectKeySingle(k.sys, key, target)
		if err != nil {
			return changed, err
		}
		switch res {
		case KeyAppended:
			changed = append(changed, target)
			k.logger.Info().Str("path", target).Msg("Injected key")
		case KeyPresent:
			k.logger.Debug().Str("path", target).Msg("Key already present")
		}
	}
	return changed, nil
}

// resolveKey picks the key to inject: a freshly generated pair, the
// configured key, or the instance launch key.
func (k *KeyInjector) resolveKey(ctx context.Context) (string, error) {
	s := k.settings
	switch {
	case s.CreateNewKeys:
		pair, err := GenerateKeyPair("sshrescue")
		if err != nil {
			return "", err
		}
		if err := k.sys.MkdirAll(filepath.Dir(s.NewKeyPath), 0o700); err != nil {
			return "", fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := k.sys.WriteFile(s.NewKeyPath, pair.Private, 0o600); err != nil {
			return "", fmt.Errorf("failed to write private key: %w", err)
		}
		k.logger.Info().Str("path", s.NewKeyPath).Msg("Generated new key pair")
		return pair.Public, nil
	case s.NewKey != "":
		return s.NewKey, nil
	case !s.NotAnInstance && k.metadata != nil:
		return InstanceKey(ctx, k.metadata)
	}
	return "", ErrNoKey
}

// Run resolves a key and injects it everywhere.
func (k *KeyInjector) Run(ctx context.Context) error {
	key, err := k.resolveKey(ctx)
	if err != nil {
		return err
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	k.settings.NewKey = key

	changed, err := k.InjectKeyAll(key)
	if err != nil {
		return err
	}
	k.logger.Info().Int("count", len(changed)).Msg("Key injection complete")
	return nil
}
