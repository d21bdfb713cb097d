// Package orchestrator is the composition root: it constructs every
// subsystem in dependency order, wires the callback closures that would
// otherwise form a cyclic import (the same late-bound-function trick the
// teacher's serve.Server uses for NewScheduler's persist/remove
// arguments), and owns startup sequencing and ordered shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kaelstrand/g2host/internal/agentexec"
	"github.com/kaelstrand/g2host/internal/auth"
	"github.com/kaelstrand/g2host/internal/channels"
	"github.com/kaelstrand/g2host/internal/config"
	"github.com/kaelstrand/g2host/internal/containerrt"
	"github.com/kaelstrand/g2host/internal/ipcwatcher"
	"github.com/kaelstrand/g2host/internal/pipeline"
	"github.com/kaelstrand/g2host/internal/queue"
	"github.com/kaelstrand/g2host/internal/runner"
	"github.com/kaelstrand/g2host/internal/scheduler"
	"github.com/kaelstrand/g2host/internal/store"
)

// Orchestrator owns every long-running subsystem and the order they are
// started and stopped in.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.StateStore
	registry *channels.Registry
	queue    *queue.GroupQueue
	runtime  containerrt.Runtime
	mounts   *containerrt.MountBuilder
	watcher  *ipcwatcher.Watcher
	pipeline *pipeline.MessagePipeline
	sched    *scheduler.TaskScheduler
}

// New constructs every subsystem from cfg, in dependency order, and
// returns an Orchestrator ready for Run. It does not start any
// goroutine. Besides directory creation and the SQLite open, it creates
// the Docker client and the channel adapters, which may contact their
// services while being built.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = newLogger(cfg.Logging)
	}
	dockerRT, err := containerrt.NewDockerRuntime(cfg.Container.DockerBinary, cfg.Container.LabelPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: new docker runtime: %w", err)
	}
	return newWithRuntime(cfg, logger, dockerRT)
}

// newWithRuntime is New with the ContainerRuntime injected directly,
// split out so tests can substitute a fake runtime instead of requiring
// a reachable Docker daemon.
func newWithRuntime(cfg *config.Config, logger *slog.Logger, dockerRT containerrt.Runtime) (*Orchestrator, error) {
	if logger == nil {
		logger = newLogger(cfg.Logging)
	}
	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create store dir: %w", err)
	}
	if cfg.Container.LogDir != "" {
		if err := os.MkdirAll(cfg.Container.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("orchestrator: create log dir: %w", err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}
	if err := st.Init(); err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: init store: %w", err)
	}

	mounts := containerrt.NewMountBuilder(
		cfg.Mounts.ProjectRoot, cfg.Store.DataDir, cfg.Mounts.RunnerSrcDir,
		cfg.Mounts.CredentialsDir, cfg.Mounts.GlobalDir, cfg.Mounts.AllowlistPath, logger,
	)
	if err := mounts.ValidateAllowlistPath(); err != nil {
		st.Close()
		fatalConfigBanner(err)
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	location, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		logger.Warn("orchestrator: invalid timezone, falling back to UTC", "timezone", cfg.Scheduler.Timezone, "error", err)
	}

	cr := runner.NewContainerRunner(
		dockerRT, mounts, cfg.Container.SecretsPath, cfg.Container.Image, cfg.Container.LogDir,
		cfg.Container.MaxOutputBytes, cfg.Container.Verbose, logger,
	)
	executor := agentexec.NewAgentExecutor(cr, st, cfg.Store.DataDir, logger)

	groupQueue := queue.NewGroupQueue(cfg.Container.MaxConcurrent, logger)
	registry := channels.NewRegistry()
	policy := auth.NewPolicy(store.MainGroupFolder)

	o := &Orchestrator{
		cfg: cfg, logger: logger,
		store: st, registry: registry, queue: groupQueue, runtime: dockerRT, mounts: mounts,
	}

	if err := o.registerAdapters(st); err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: register adapters: %w", err)
	}

	sendMessage := func(jid, text string) error {
		return registry.SendFormatted(context.Background(), jid, text, func(jid, text string) {
			logger.Warn("orchestrator: outbound message dropped, no owning channel", "jid", jid)
		})
	}
	timeoutsFor := func(group *store.RegisteredGroup) runner.TimeoutConfig {
		return resolveTimeouts(group, cfg.Container)
	}

	o.pipeline = pipeline.NewMessagePipeline(pipeline.Deps{
		Store: st, Queue: groupQueue, Executor: executor, SendMessage: sendMessage,
		Timeouts: timeoutsFor, AssistantName: cfg.Assistant.Name,
		IdleTimeout: cfg.Container.IdleTimeout(),
	}, cfg.Poll.MessageInterval(), logger)

	o.sched = scheduler.NewTaskScheduler(scheduler.Deps{
		Store: st, Queue: groupQueue, Executor: executor, SendMessage: sendMessage,
		Timeouts: timeoutsFor, Location: location, IdleTimeout: cfg.Container.IdleTimeout(),
	}, cfg.Poll.SchedulerInterval(), logger)

	o.watcher = ipcwatcher.NewWatcher(cfg.Store.DataDir, ipcwatcher.Deps{
		Store: st, Registry: registry, Queue: groupQueue, Mounts: mounts, Policy: policy, Location: location,
	}, cfg.Poll.IpcInterval(), logger)

	return o, nil
}

// registerAdapters wires each configured transport's onMessage/
// onChatMetadata closures over the already-constructed store — the same
// "inject a function value after construction" pattern the teacher uses
// for the scheduler's persist/remove callbacks, applied here to break
// what would otherwise be a channels → store → channels import cycle.
func (o *Orchestrator) registerAdapters(st store.StateStore) error {
	onMessage := func(jid string, msg channels.NewMessage) {
		if err := st.StoreMessage(store.Message{
			ID: msg.ID, ChatJID: jid, Sender: msg.Sender, SenderName: msg.SenderName,
			Content: msg.Content, Timestamp: msg.Timestamp, IsFromMe: msg.IsFromMe, IsBotMessage: msg.IsFromMe,
		}); err != nil {
			o.logger.Warn("orchestrator: store message failed", "jid", jid, "error", err)
		}
	}
	onChatMetadata := func(jid string, ts int64, name, channel string, isGroup bool) {
		if err := st.StoreChatMetadata(jid, time.Unix(ts, 0), name, channel, isGroup); err != nil {
			o.logger.Warn("orchestrator: store chat metadata failed", "jid", jid, "error", err)
		}
	}

	ch := o.cfg.Channels
	if ch.TelegramToken != "" {
		adapter, err := channels.NewTelegramAdapter(ch.TelegramToken, onMessage, onChatMetadata)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		if err := o.registry.Register(adapter); err != nil {
			return err
		}
	}
	if ch.DiscordToken != "" {
		adapter, err := channels.NewDiscordAdapter(ch.DiscordToken, onMessage, onChatMetadata)
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		if err := o.registry.Register(adapter); err != nil {
			return err
		}
	}
	if ch.GmailUsername != "" && ch.GmailPassword != "" {
		adapter := channels.NewGmailAdapter(ch.GmailAddr, ch.GmailUsername, ch.GmailPassword, ch.GmailMailbox, onMessage, onChatMetadata)
		if err := o.registry.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

// resolveTimeouts layers a group's ContainerConfig override on top of
// the process defaults, the way AgentExecutor expects: HardTimeout must
// already be max(containerTimeout, idleTimeout+30s).
func resolveTimeouts(group *store.RegisteredGroup, defaults config.ContainerConfig) runner.TimeoutConfig {
	containerTimeout := defaults.Timeout()
	idleTimeout := defaults.IdleTimeout()
	if group.ContainerConfig != nil {
		if group.ContainerConfig.ContainerTimeout > 0 {
			containerTimeout = group.ContainerConfig.ContainerTimeout
		}
		if group.ContainerConfig.IdleTimeout > 0 {
			idleTimeout = group.ContainerConfig.IdleTimeout
		}
	}
	hard := containerTimeout
	if floor := idleTimeout + 30*time.Second; floor > hard {
		hard = floor
	}
	return runner.TimeoutConfig{HardTimeout: hard}
}

// Run starts every subsystem and blocks until ctx is cancelled, then
// performs an ordered shutdown. Startup order mirrors the teacher's
// Server.Start: store already open, runtime liveness probe, adapters
// connected, then the three polling loops and the IPC watcher.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.runtime.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("orchestrator: container runtime not reachable: %w", err)
	}
	if err := o.registry.ConnectAll(ctx); err != nil {
		o.logger.Warn("orchestrator: one or more channel adapters failed to connect", "error", err)
	}

	if err := o.runtime.CleanupOrphans(ctx, o.queue.LiveContainerNames()); err != nil {
		o.logger.Warn("orchestrator: startup orphan cleanup failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go o.pipeline.Run(runCtx)
	go o.sched.Run(runCtx)
	go func() {
		if err := o.watcher.Run(runCtx); err != nil {
			o.logger.Error("orchestrator: ipc watcher stopped", "error", err)
		}
	}()
	go o.runOrphanSweeper(runCtx)

	<-ctx.Done()
	o.logger.Info("orchestrator: shutdown signal received")
	return o.shutdown()
}

// runOrphanSweeper periodically reaps containers this host spawned in a
// prior life (crash, kill -9) that the in-memory GroupQueue no longer
// tracks as live — startup alone only catches orphans from before this
// process existed, not ones abandoned mid-run by a later crash.
func (o *Orchestrator) runOrphanSweeper(ctx context.Context) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.runtime.CleanupOrphans(ctx, o.queue.LiveContainerNames()); err != nil {
				o.logger.Warn("orchestrator: periodic orphan cleanup failed", "error", err)
			}
		}
	}
}

const orphanSweepInterval = 5 * time.Minute

// shutdown drains the GroupQueue, disconnects every adapter, and closes
// the store, in that order so no in-flight container write races a
// closed database handle.
func (o *Orchestrator) shutdown() error {
	if stuck := o.queue.Shutdown(10 * time.Second); len(stuck) > 0 {
		o.logger.Warn("orchestrator: containers still live past shutdown deadline", "jids", stuck)
	}
	o.registry.DisconnectAll()
	if closer, ok := o.runtime.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			o.logger.Warn("orchestrator: close runtime failed", "error", err)
		}
	}
	if err := o.store.Close(); err != nil {
		return fmt.Errorf("orchestrator: close store: %w", err)
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// fatalConfigBanner prints a box-drawn stderr banner for a fatal
// ConfigurationError, per the mount-allowlist-under-project-root check.
func fatalConfigBanner(err error) {
	msg := err.Error()
	border := "+" + repeat("-", len(msg)+2) + "+"
	fmt.Fprintln(os.Stderr, border)
	fmt.Fprintf(os.Stderr, "| %s |\n", msg)
	fmt.Fprintln(os.Stderr, border)
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}
