package sshd

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBackup_SaveAndRestore(t *testing.T) {
	sys := newFakeSystem(t)
	sys.addFile("/etc/ssh/sshd_config", "Port 22\n", 0o640, 0, 4)
	b := NewBackup(sys, "/var/tmp/sshrescue/backup")

	copyPath, err := b.Save("/etc/ssh/sshd_config")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if copyPath != "/var/tmp/sshrescue/backup/etc_ssh_sshd_config" {
		t.Errorf("Unexpected backup path %s", copyPath)
	}
	if got := sys.files["/var/tmp/sshrescue/backup"].mode.Perm(); got != 0o700 {
		t.Errorf("Expected backup dir mode 0700, got %#o", got)
	}

	// A second save must not overwrite the pristine copy.
	sys.addFile("/etc/ssh/sshd_config", "Port 2222\n", 0o600, 1000, 1000)
	if _, err := b.Save("/etc/ssh/sshd_config"); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if got := sys.content(copyPath); got != "Port 22\n" {
		t.Errorf("Expected first copy kept, got %q", got)
	}

	if err := b.Restore("/etc/ssh/sshd_config"); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	f := sys.files["/etc/ssh/sshd_config"]
	if string(f.data) != "Port 22\n" || f.mode.Perm() != 0o640 || f.uid != 0 || f.gid != 4 {
		t.Errorf("Expected original content, mode and owner, got %q %#o %d:%d", f.data, f.mode.Perm(), f.uid, f.gid)
	}

	want := map[string]string{"/etc/ssh/sshd_config": copyPath}
	if diff := cmp.Diff(want, b.Files()); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestBackup_Errors(t *testing.T) {
	sys := newFakeSystem(t)
	b := NewBackup(sys, "/backup")

	if _, err := b.Save("/missing"); err == nil {
		t.Error("Expected error saving a missing file")
	}
	if err := b.Restore("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound restoring an unsaved file, got %v", err)
	}
	if len(b.Files()) != 0 {
		t.Errorf("Expected no backups, got %v", b.Files())
	}
}

func TestBackupName(t *testing.T) {
	if got := backupName("/home/u/.ssh/authorized_keys"); got != "home_u_.ssh_authorized_keys" {
		t.Errorf("backupName() = %q", got)
	}
}
