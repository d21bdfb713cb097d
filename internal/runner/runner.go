package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kaelstrand/g2host/internal/containerrt"
	"github.com/kaelstrand/g2host/internal/store"
)

// defaultMaxOutputSize is CONTAINER_MAX_OUTPUT_SIZE's fallback: it caps
// both the accumulated stdout/stderr kept for the per-run log file and
// what's considered for batch-mode fallback parsing.
const defaultMaxOutputSize = 1 << 20 // 1 MiB

// ContainerRunner spawns the agent container as an OS subprocess and
// manages its stdin/stdout/timeout lifecycle.
type ContainerRunner struct {
	runtime       containerrt.Runtime
	mounts        *containerrt.MountBuilder
	secretsPath   string
	defaultImage  string
	maxOutputSize int
	logDir        string
	verbose       bool
	logger        *slog.Logger
}

// NewContainerRunner creates a ContainerRunner. defaultImage is used for
// any group lacking a per-group ContainerConfig.Image override.
func NewContainerRunner(runtime containerrt.Runtime, mounts *containerrt.MountBuilder, secretsPath, defaultImage, logDir string, maxOutputSize int, verbose bool, logger *slog.Logger) *ContainerRunner {
	if maxOutputSize <= 0 {
		maxOutputSize = defaultMaxOutputSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerRunner{
		runtime: runtime, mounts: mounts, secretsPath: secretsPath, defaultImage: defaultImage,
		maxOutputSize: maxOutputSize, logDir: logDir, verbose: verbose, logger: logger,
	}
}

// Run spawns the container for group with input, streaming frames to
// onOutput if supplied (streaming mode), or parsing only the final frame
// at process exit (batch mode). onProcess, if supplied, is called once
// the subprocess is spawned so the caller can register it with GroupQueue.
func (r *ContainerRunner) Run(ctx context.Context, group *store.RegisteredGroup, isMain bool, input Input, timeouts TimeoutConfig, onProcess OnProcessFunc, onOutput OnOutputFunc) (ContainerOutput, error) {
	mounts, err := r.mounts.BuildMounts(group, isMain)
	if err != nil {
		return ContainerOutput{}, fmt.Errorf("runner: build mounts: %w", err)
	}

	containerName := containerNameFor(r.runtime.LabelPrefix(), group.Folder, input.ChatJID)
	argv := r.buildArgv(containerName, group, mounts)

	runCtx, cancel := context.WithTimeout(ctx, timeouts.HardTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ContainerOutput{}, fmt.Errorf("runner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ContainerOutput{}, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	stderrWriter := &cappedWriter{buf: &stderrBuf, max: r.maxOutputSize}
	cmd.Stderr = stderrWriter

	if r.verbose {
		r.logger.Debug("runner: spawning container", "argv", argv, "groupFolder", group.Folder,
			"chatJid", input.ChatJID, "mounts", mounts, "prompt", input.Prompt, "sessionId", input.SessionID)
	} else {
		r.logger.Debug("runner: spawning container", "groupFolder", group.Folder, "chatJid", input.ChatJID)
	}

	if err := cmd.Start(); err != nil {
		return ContainerOutput{}, fmt.Errorf("runner: start: %w", err)
	}

	// Stdin is handed to the caller (GroupQueue, via onProcess) before the
	// initial payload is written and left open afterward: a live
	// conversation pipes further transcripts into the same container, and
	// only an explicit CloseStdin (idle timeout or end-of-input) closes
	// it. Run still closes it itself as a backstop once the process exits.
	if onProcess != nil {
		onProcess(containerName, stdin, func() { r.stopOrKill(containerName, cmd) })
	}

	secrets, err := r.loadSecrets()
	if err != nil {
		r.logger.Warn("runner: could not load secrets file", "error", err)
	}
	payload := ContainerInput{
		Prompt: input.Prompt, SessionID: input.SessionID, GroupFolder: input.GroupFolder,
		ChatJID: input.ChatJID, IsMain: input.IsMain, IsScheduledTask: input.IsScheduledTask,
		Secrets: secrets,
	}
	if err := writeStdinJSON(stdin, payload); err != nil {
		r.logger.Warn("runner: failed writing stdin payload", "error", err)
	}

	var (
		stdoutBuf       bytes.Buffer
		lastSessionID   string
		sawOutput       bool
		stdoutTruncated bool
	)

	// Frames are handed to a single dedicated consumer goroutine over a
	// channel so onOutput calls are serialized in strict emission order,
	// without the reader goroutine blocking on a potentially slow callback.
	var outputChain sync.WaitGroup
	frameCh := make(chan Frame, 64)
	if onOutput != nil {
		outputChain.Add(1)
		go func() {
			defer outputChain.Done()
			for f := range frameCh {
				onOutput(f)
			}
		}()
	}

	scanner := NewFrameScanner(r.logger)
	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				stdoutBuf.Write(chunk)
				if stdoutBuf.Len() > r.maxOutputSize {
					stdoutBuf.Truncate(r.maxOutputSize)
					stdoutTruncated = true
				}
				if onOutput != nil {
					frames := scanner.Feed(string(chunk))
					for _, f := range frames {
						sawOutput = sawOutput || f.Result != nil
						if f.NewSessionID != "" {
							lastSessionID = f.NewSessionID
						}
						frameCh <- f
					}
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					r.logger.Warn("runner: stdout read error", "error", readErr)
				}
				readDone <- nil
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	stdin.Close() // backstop: no-op if the caller already closed it
	<-readDone
	close(frameCh)
	outputChain.Wait()

	truncated := stdoutTruncated || stderrWriter.truncated
	r.writeRunLog(containerName, stdoutBuf.Bytes(), stderrBuf.Bytes(), truncated)
	if r.verbose {
		r.logger.Debug("runner: run finished", "groupFolder", group.Folder, "chatJid", input.ChatJID,
			"stdout", stdoutBuf.String(), "stderr", stderrBuf.String(), "truncated", truncated)
	} else {
		r.logger.Debug("runner: run finished", "groupFolder", group.Folder, "chatJid", input.ChatJID,
			"stdoutBytes", stdoutBuf.Len(), "stderrBytes", stderrBuf.Len(), "truncated", truncated)
	}

	hitHardTimeout := runCtx.Err() == context.DeadlineExceeded

	if hitHardTimeout {
		r.stopOrKill(containerName, cmd)
		if sawOutput {
			return ContainerOutput{Status: "success", NewSessionID: lastSessionID}, nil
		}
		return ContainerOutput{Status: "error", Error: fmt.Sprintf("timeout after %s", timeouts.HardTimeout)}, nil
	}

	if waitErr != nil {
		exitErr, isExit := waitErr.(*exec.ExitError)
		code := -1
		if isExit {
			code = exitErr.ExitCode()
		}
		stderrTail := lastNBytes(stderrBuf.String(), 200)
		return ContainerOutput{Status: "error", Error: fmt.Sprintf("exited code=%d: %s", code, stderrTail)}, nil
	}

	if onOutput != nil {
		return ContainerOutput{Status: "success", NewSessionID: lastSessionID}, nil
	}

	// Batch mode: parse the last complete frame, or fall back to the last
	// non-empty stdout line.
	if frame, ok := LastCompleteFrame(stdoutBuf.String()); ok {
		out := ContainerOutput{Status: frame.Status, Result: frame.Result, NewSessionID: frame.NewSessionID, Error: frame.Error}
		if out.Status == "" {
			out.Status = "success"
		}
		return out, nil
	}

	if line := lastNonEmptyLine(stdoutBuf.String()); line != "" {
		r.logger.Warn("runner: falling back to last non-empty stdout line; no marker frame found", "groupFolder", group.Folder)
		return ContainerOutput{Status: "success", Result: &line}, nil
	}

	return ContainerOutput{Status: "error", Error: "no parseable output"}, nil
}

func (r *ContainerRunner) buildArgv(containerName string, group *store.RegisteredGroup, mounts []containerrt.VolumeMount) []string {
	image := r.defaultImage
	if group.ContainerConfig != nil && group.ContainerConfig.Image != "" {
		image = group.ContainerConfig.Image
	}
	argv := []string{r.runtime.Binary(), "run", "--rm", "-i",
		"--name", containerName,
		"--label", fmt.Sprintf("%s=%s", containerrt.ManagedByLabelKey, r.runtime.LabelPrefix()),
	}
	argv = append(argv, containerrt.MountFlags(mounts)...)
	argv = append(argv, image)
	return argv
}

func (r *ContainerRunner) stopOrKill(containerName string, cmd *exec.Cmd) {
	stopArgv := r.runtime.StopCommand(containerName)
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stopCmd := exec.CommandContext(stopCtx, stopArgv[0], stopArgv[1:]...)
	if err := stopCmd.Run(); err != nil {
		r.logger.Warn("runner: graceful stop failed, sending SIGKILL", "container", containerName, "error", err)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

func (r *ContainerRunner) loadSecrets() (*Secrets, error) {
	if r.secretsPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	// The file holds KEY=VALUE lines; blank lines and # comments are skipped.
	vals := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			vals[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	raw, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	var s Secrets
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func writeStdinJSON(stdin io.Writer, payload ContainerInput) error {
	enc := json.NewEncoder(stdin)
	return enc.Encode(payload)
}

func containerNameFor(labelPrefix, folder, chatJid string) string {
	safe := strings.NewReplacer(":", "-", "/", "-", "@", "-").Replace(chatJid)
	return fmt.Sprintf("%s-%s-%s", labelPrefix, folder, safe)
}

func lastNBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

// cappedWriter accumulates into buf up to max bytes, discarding overflow
// rather than growing unbounded (spec's CONTAINER_MAX_OUTPUT_SIZE cap).
type cappedWriter struct {
	buf       *bytes.Buffer
	max       int
	truncated bool
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
	} else {
		w.buf.Write(p)
	}
	return len(p), nil
}

// writeRunLog persists the accumulated stdout/stderr for one run to
// logDir, prefixed with a TRUNCATED marker when either stream hit its
// size cap. Best-effort: a failure to write is logged, not returned,
// since a missing log file should never fail an otherwise-successful run.
func (r *ContainerRunner) writeRunLog(containerName string, stdout, stderr []byte, truncated bool) {
	if r.logDir == "" {
		return
	}
	name := fmt.Sprintf("%s-%d.log", containerName, time.Now().UnixNano())
	path := filepath.Join(r.logDir, name)

	var out bytes.Buffer
	if truncated {
		out.WriteString("TRUNCATED\n")
	}
	out.WriteString("--- stdout ---\n")
	out.Write(stdout)
	out.WriteString("\n--- stderr ---\n")
	out.Write(stderr)

	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		r.logger.Warn("runner: write run log failed", "path", path, "error", err)
	}
}
