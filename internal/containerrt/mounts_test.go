package containerrt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kaelstrand/g2host/internal/store"
)

func newTestBuilder(t *testing.T) (*MountBuilder, string) {
	t.Helper()
	root := t.TempDir()
	dataDir := t.TempDir()
	allowlist := filepath.Join(t.TempDir(), "allowlist.txt")
	if err := os.WriteFile(allowlist, []byte("# comment\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewMountBuilder(root, dataDir, "/agent-runner-src", "", "", allowlist, nil), root
}

func TestBuildMountsMainGroupMountsProjectRoot(t *testing.T) {
	b, root := newTestBuilder(t)
	group := &store.RegisteredGroup{Folder: "main"}

	if err := b.Prepare(group, true); err != nil {
		t.Fatal(err)
	}
	mounts, err := b.BuildMounts(group, true)
	if err != nil {
		t.Fatal(err)
	}

	var sawProjectRoot bool
	for _, m := range mounts {
		if m.HostPath == root && !m.ReadOnly {
			sawProjectRoot = true
		}
	}
	if !sawProjectRoot {
		t.Fatalf("expected main group to mount project root read-write, got %+v", mounts)
	}
}

func TestBuildMountsNonMainGroupExcludesProjectRoot(t *testing.T) {
	b, root := newTestBuilder(t)
	group := &store.RegisteredGroup{Folder: "sidegroup"}

	if err := b.Prepare(group, false); err != nil {
		t.Fatal(err)
	}
	mounts, err := b.BuildMounts(group, false)
	if err != nil {
		t.Fatal(err)
	}

	for _, m := range mounts {
		if m.HostPath == root {
			t.Fatalf("non-main group must not mount project root, got %+v", mounts)
		}
	}
}

func TestBuildMountsRejectsUnlistedExtraMount(t *testing.T) {
	b, _ := newTestBuilder(t)
	group := &store.RegisteredGroup{
		Folder: "sidegroup",
		ContainerConfig: &store.ContainerConfig{
			AdditionalMounts: []string{"/not/in/allowlist"},
		},
	}

	if err := b.Prepare(group, false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.BuildMounts(group, false); err == nil {
		t.Fatal("expected rejection of a mount absent from the allowlist")
	}
}

func TestBuildMountsAcceptsAllowlistedExtraMount(t *testing.T) {
	b, _ := newTestBuilder(t)
	extra := filepath.Join(t.TempDir(), "shared-data")
	if err := os.MkdirAll(extra, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b.allowlistPath, []byte(extra+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	group := &store.RegisteredGroup{
		Folder: "sidegroup",
		ContainerConfig: &store.ContainerConfig{
			AdditionalMounts: []string{extra},
		},
	}

	if err := b.Prepare(group, false); err != nil {
		t.Fatal(err)
	}
	mounts, err := b.BuildMounts(group, false)
	if err != nil {
		t.Fatalf("expected allowlisted mount to be accepted: %v", err)
	}

	var found bool
	for _, m := range mounts {
		if m.HostPath == extra {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected extra mount %s in result, got %+v", extra, mounts)
	}
}

func TestValidateAllowlistPathRejectsUnderProjectRoot(t *testing.T) {
	root := t.TempDir()
	badAllowlist := filepath.Join(root, "allowlist.txt")
	if err := os.WriteFile(badAllowlist, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewMountBuilder(root, t.TempDir(), "/agent-runner-src", "", "", badAllowlist, nil)
	if err := b.ValidateAllowlistPath(); err == nil {
		t.Fatal("expected ValidateAllowlistPath to reject an allowlist under project root")
	}
}

func TestValidateAllowlistPathAcceptsOutsideProjectRoot(t *testing.T) {
	b, _ := newTestBuilder(t)
	if err := b.ValidateAllowlistPath(); err != nil {
		t.Fatalf("expected allowlist outside project root to validate, got %v", err)
	}
}

func TestMountFlagsFormat(t *testing.T) {
	mounts := []VolumeMount{
		{HostPath: "/host/a", ContainerPath: "/container/a", ReadOnly: true},
		{HostPath: "/host/b", ContainerPath: "/container/b", ReadOnly: false},
	}
	flags := MountFlags(mounts)
	want := []string{"-v", "/host/a:/container/a:ro", "-v", "/host/b:/container/b:rw"}
	if len(flags) != len(want) {
		t.Fatalf("got %v want %v", flags, want)
	}
	for i := range want {
		if flags[i] != want[i] {
			t.Fatalf("got %v want %v", flags, want)
		}
	}
}
