package containerrt

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaelstrand/g2host/internal/store"
)

// VolumeMount is one bind mount passed to the container invocation.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

func (m VolumeMount) flag() string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return fmt.Sprintf("%s:%s:%s", m.HostPath, m.ContainerPath, mode)
}

// MountFlags renders a VolumeMount slice into "-v" argv pairs, in order.
func MountFlags(mounts []VolumeMount) []string {
	flags := make([]string, 0, len(mounts)*2)
	for _, m := range mounts {
		flags = append(flags, "-v", m.flag())
	}
	return flags
}

// MountBuilder produces the deterministic mount set for a group's
// container invocation, and (through Prepare) creates the per-group
// directories those mounts point at. It writes no settings file and
// does not sync a skills tree.
type MountBuilder struct {
	projectRoot    string
	dataDir        string
	runnerSrcDir   string
	credentialsDir string // optional, may be ""
	globalDir      string // optional, may be ""
	allowlistPath  string
	logger         *slog.Logger
}

// NewMountBuilder constructs a MountBuilder. allowlistPath must not live
// under projectRoot — validated at call time in ValidateAllowlistPath,
// since a ConfigurationError here is fatal at startup.
func NewMountBuilder(projectRoot, dataDir, runnerSrcDir, credentialsDir, globalDir, allowlistPath string, logger *slog.Logger) *MountBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &MountBuilder{
		projectRoot:    projectRoot,
		dataDir:        dataDir,
		runnerSrcDir:   runnerSrcDir,
		credentialsDir: credentialsDir,
		globalDir:      globalDir,
		allowlistPath:  allowlistPath,
		logger:         logger,
	}
}

// ValidateAllowlistPath enforces that the allowlist file does not live
// under the project root, where a container could otherwise read or
// tamper with its own escape hatch. This is a ConfigurationError and is
// fatal at startup.
func (b *MountBuilder) ValidateAllowlistPath() error {
	absRoot, err := filepath.Abs(b.projectRoot)
	if err != nil {
		return fmt.Errorf("containerrt: resolve project root: %w", err)
	}
	absAllowlist, err := filepath.Abs(b.allowlistPath)
	if err != nil {
		return fmt.Errorf("containerrt: resolve allowlist path: %w", err)
	}
	rel, err := filepath.Rel(absRoot, absAllowlist)
	if err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
		return fmt.Errorf("containerrt: mount allowlist %q must not live under project root %q", absAllowlist, absRoot)
	}
	return nil
}

// Prepare creates the directories a group needs before its first run:
// the group workspace, its session directory and its IPC
// subdirectories. It writes no settings file and does not sync a skills
// tree.
func (b *MountBuilder) Prepare(group *store.RegisteredGroup, isMain bool) error {
	sessionDir := b.sessionDir(group.Folder)
	ipcDir := b.ipcDir(group.Folder)

	for _, dir := range []string{
		b.groupWorkspaceDir(group.Folder),
		sessionDir,
		filepath.Join(ipcDir, "messages"),
		filepath.Join(ipcDir, "tasks"),
		filepath.Join(ipcDir, "responses"),
		filepath.Join(ipcDir, "input"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("containerrt: prepare group %s: %w", group.Folder, err)
		}
	}
	return nil
}

func (b *MountBuilder) sessionDir(folder string) string {
	return filepath.Join(b.dataDir, "sessions", folder)
}

func (b *MountBuilder) ipcDir(folder string) string {
	return filepath.Join(b.dataDir, "ipc", folder)
}

// BuildMounts returns the deterministic mount set for (group, isMain).
// Pure once Prepare has run for this group: it only reads configured
// paths and the allowlist, never creates anything.
func (b *MountBuilder) BuildMounts(group *store.RegisteredGroup, isMain bool) ([]VolumeMount, error) {
	var mounts []VolumeMount

	if isMain {
		mounts = append(mounts,
			VolumeMount{HostPath: b.projectRoot, ContainerPath: "/workspace", ReadOnly: false},
			VolumeMount{HostPath: b.groupWorkspaceDir(group.Folder), ContainerPath: "/workspace/" + group.Folder, ReadOnly: false},
		)
	} else {
		mounts = append(mounts, VolumeMount{HostPath: b.groupWorkspaceDir(group.Folder), ContainerPath: "/workspace", ReadOnly: false})
		if b.globalDir != "" {
			mounts = append(mounts, VolumeMount{HostPath: b.globalDir, ContainerPath: "/workspace-global", ReadOnly: true})
		}
	}

	mounts = append(mounts,
		VolumeMount{HostPath: b.sessionDir(group.Folder), ContainerPath: "/home/agent/.claude", ReadOnly: false},
		VolumeMount{HostPath: b.ipcDir(group.Folder), ContainerPath: "/ipc", ReadOnly: false},
		VolumeMount{HostPath: b.runnerSrcDir, ContainerPath: "/agent-runner", ReadOnly: true},
	)
	if b.credentialsDir != "" {
		mounts = append(mounts, VolumeMount{HostPath: b.credentialsDir, ContainerPath: "/credentials", ReadOnly: true})
	}

	if group.ContainerConfig != nil && len(group.ContainerConfig.AdditionalMounts) > 0 {
		extra, err := b.validateExtraMounts(group.ContainerConfig.AdditionalMounts)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, extra...)
	}

	return mounts, nil
}

func (b *MountBuilder) groupWorkspaceDir(folder string) string {
	return filepath.Join(b.projectRoot, folder)
}

// validateExtraMounts checks every requested extra host path against the
// allowlist file (one absolute path per line, '#' comments allowed). The
// allowlist itself is never exposed inside any container mount.
func (b *MountBuilder) validateExtraMounts(requested []string) ([]VolumeMount, error) {
	allowed, err := b.loadAllowlist()
	if err != nil {
		return nil, err
	}

	var mounts []VolumeMount
	for _, hostPath := range requested {
		abs, err := filepath.Abs(hostPath)
		if err != nil {
			return nil, fmt.Errorf("containerrt: resolve extra mount %q: %w", hostPath, err)
		}
		if !allowed[abs] {
			return nil, fmt.Errorf("containerrt: extra mount %q is not present in the allowlist", abs)
		}
		mounts = append(mounts, VolumeMount{
			HostPath:      abs,
			ContainerPath: filepath.Join("/extra", filepath.Base(abs)),
			ReadOnly:      true,
		})
	}
	return mounts, nil
}

func (b *MountBuilder) loadAllowlist() (map[string]bool, error) {
	f, err := os.Open(b.allowlistPath)
	if err != nil {
		return nil, fmt.Errorf("containerrt: open mount allowlist: %w", err)
	}
	defer f.Close()

	allowed := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		abs, err := filepath.Abs(line)
		if err != nil {
			b.logger.Warn("containerrt: skipping unresolvable allowlist entry", "line", line, "error", err)
			continue
		}
		allowed[abs] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("containerrt: read mount allowlist: %w", err)
	}
	return allowed, nil
}
