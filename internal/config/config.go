// Package config loads the host runtime's configuration from environment
// variables (with documented defaults), following the pack's viper-based
// loader pattern: defaults registered first, then an env prefix and
// automatic binding, then validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognised configuration knob, grouped by the
// subsystem that consumes it.
type Config struct {
	Assistant   AssistantConfig   `mapstructure:"assistant"`
	Poll        PollConfig        `mapstructure:"poll"`
	Container   ContainerConfig   `mapstructure:"container"`
	Mounts      MountsConfig      `mapstructure:"mounts"`
	Store       StoreConfig       `mapstructure:"store"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Channels    ChannelsConfig    `mapstructure:"channels"`
}

// ChannelsConfig configures the optional transport adapters. Each
// adapter is disabled when its token/credential is left empty.
type ChannelsConfig struct {
	TelegramToken string `mapstructure:"telegramToken"`
	DiscordToken  string `mapstructure:"discordToken"`
	GmailAddr     string `mapstructure:"gmailAddr"`
	GmailUsername string `mapstructure:"gmailUsername"`
	GmailPassword string `mapstructure:"gmailPassword"`
	GmailMailbox  string `mapstructure:"gmailMailbox"`
}

// AssistantConfig names the bot for transcript formatting and routing.
type AssistantConfig struct {
	Name        string `mapstructure:"name"`
	HasOwnNumber bool  `mapstructure:"hasOwnNumber"`
}

// PollConfig holds the three independent cooperative-loop intervals, all
// in milliseconds.
type PollConfig struct {
	MessagePollMS   int `mapstructure:"messagePollMs"`
	IpcPollMS       int `mapstructure:"ipcPollMs"`
	SchedulerPollMS int `mapstructure:"schedulerPollMs"`
}

func (p PollConfig) MessageInterval() time.Duration {
	return time.Duration(p.MessagePollMS) * time.Millisecond
}

func (p PollConfig) IpcInterval() time.Duration {
	return time.Duration(p.IpcPollMS) * time.Millisecond
}

func (p PollConfig) SchedulerInterval() time.Duration {
	return time.Duration(p.SchedulerPollMS) * time.Millisecond
}

// ContainerConfig configures ContainerRunner and the ContainerRuntime
// management plane.
type ContainerConfig struct {
	Image          string `mapstructure:"image"`
	TimeoutMS      int    `mapstructure:"timeoutMs"`
	IdleTimeoutMS  int    `mapstructure:"idleTimeoutMs"`
	MaxOutputBytes int    `mapstructure:"maxOutputBytes"`
	MaxConcurrent  int    `mapstructure:"maxConcurrent"`
	DockerBinary   string `mapstructure:"dockerBinary"`
	LabelPrefix    string `mapstructure:"labelPrefix"`
	SecretsPath    string `mapstructure:"secretsPath"`
	LogDir         string `mapstructure:"logDir"`
	Verbose        bool   `mapstructure:"verbose"`
}

func (c ContainerConfig) Timeout() time.Duration     { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c ContainerConfig) IdleTimeout() time.Duration { return time.Duration(c.IdleTimeoutMS) * time.Millisecond }

// MountsConfig configures MountBuilder's fixed filesystem layout.
type MountsConfig struct {
	ProjectRoot    string `mapstructure:"projectRoot"`
	RunnerSrcDir   string `mapstructure:"runnerSrcDir"`
	CredentialsDir string `mapstructure:"credentialsDir"`
	GlobalDir      string `mapstructure:"globalDir"`
	AllowlistPath  string `mapstructure:"allowlistPath"`
}

// StoreConfig configures the durable StateStore and the IPC/data tree root.
type StoreConfig struct {
	DataDir string `mapstructure:"dataDir"`
	DBPath  string `mapstructure:"dbPath"`
}

// SchedulerConfig configures timezone resolution shared by TaskScheduler
// and IPC schedule_task handling.
type SchedulerConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// LoggingConfig configures the slog handler the orchestrator builds at
// startup.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" | "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("assistant.name", "G2")
	v.SetDefault("assistant.hasOwnNumber", false)

	v.SetDefault("poll.messagePollMs", 2000)
	v.SetDefault("poll.ipcPollMs", 3000)
	v.SetDefault("poll.schedulerPollMs", 5000)

	v.SetDefault("container.image", "g2-agent-runner:latest")
	v.SetDefault("container.timeoutMs", 10*60*1000)
	v.SetDefault("container.idleTimeoutMs", 5*60*1000)
	v.SetDefault("container.maxOutputBytes", 1<<20)
	v.SetDefault("container.maxConcurrent", 4)
	v.SetDefault("container.dockerBinary", "docker")
	v.SetDefault("container.labelPrefix", "g2")
	v.SetDefault("container.secretsPath", "./secrets.env")
	v.SetDefault("container.logDir", "./logs/containers")
	v.SetDefault("container.verbose", false)

	v.SetDefault("mounts.projectRoot", ".")
	v.SetDefault("mounts.runnerSrcDir", "./agent-runner")
	v.SetDefault("mounts.credentialsDir", "")
	v.SetDefault("mounts.globalDir", "")
	v.SetDefault("mounts.allowlistPath", "/etc/g2/mount-allowlist.txt")

	v.SetDefault("store.dataDir", "./data")
	v.SetDefault("store.dbPath", "./store/messages.db")

	v.SetDefault("scheduler.timezone", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("channels.telegramToken", "")
	v.SetDefault("channels.discordToken", "")
	v.SetDefault("channels.gmailAddr", "imap.gmail.com:993")
	v.SetDefault("channels.gmailUsername", "")
	v.SetDefault("channels.gmailPassword", "")
	v.SetDefault("channels.gmailMailbox", "INBOX")
}

// bindLegacyEnvNames wires spec.md's original flat env var names (kept for
// operator familiarity) onto the namespaced viper keys, alongside the
// automatic G2_SECTION_FIELD names AutomaticEnv already derives.
func bindLegacyEnvNames(v *viper.Viper) {
	_ = v.BindEnv("assistant.name", "ASSISTANT_NAME")
	_ = v.BindEnv("assistant.hasOwnNumber", "ASSISTANT_HAS_OWN_NUMBER")
	_ = v.BindEnv("poll.messagePollMs", "POLL_INTERVAL")
	_ = v.BindEnv("poll.ipcPollMs", "IPC_POLL_INTERVAL")
	_ = v.BindEnv("poll.schedulerPollMs", "SCHEDULER_POLL_INTERVAL")
	_ = v.BindEnv("container.image", "CONTAINER_IMAGE")
	_ = v.BindEnv("container.timeoutMs", "CONTAINER_TIMEOUT")
	_ = v.BindEnv("container.idleTimeoutMs", "IDLE_TIMEOUT")
	_ = v.BindEnv("container.maxOutputBytes", "CONTAINER_MAX_OUTPUT_SIZE")
	_ = v.BindEnv("container.maxConcurrent", "MAX_CONCURRENT_CONTAINERS")
	_ = v.BindEnv("container.dockerBinary", "G2_DOCKER_BINARY")
	_ = v.BindEnv("container.labelPrefix", "G2_CONTAINER_LABEL_PREFIX")
	_ = v.BindEnv("store.dbPath", "G2_DB_PATH")
	_ = v.BindEnv("mounts.globalDir", "G2_GLOBAL_MOUNT_DIR")
	_ = v.BindEnv("mounts.allowlistPath", "MOUNT_ALLOWLIST_PATH")
	_ = v.BindEnv("scheduler.timezone", "TZ")
	_ = v.BindEnv("channels.telegramToken", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("channels.discordToken", "DISCORD_BOT_TOKEN")
	_ = v.BindEnv("channels.gmailAddr", "GMAIL_IMAP_ADDR")
	_ = v.BindEnv("channels.gmailUsername", "GMAIL_USERNAME")
	_ = v.BindEnv("channels.gmailPassword", "GMAIL_PASSWORD")
	_ = v.BindEnv("channels.gmailMailbox", "GMAIL_MAILBOX")
}

// Load reads configuration from environment variables (G2_ prefixed,
// plus the legacy flat names bound above) layered over defaults, then
// validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("G2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnvNames(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Container.MaxConcurrent < 1 {
		errs = append(errs, "container.maxConcurrent must be >= 1")
	}
	if cfg.Container.TimeoutMS <= 0 {
		errs = append(errs, "container.timeoutMs must be positive")
	}
	if cfg.Container.IdleTimeoutMS <= 0 {
		errs = append(errs, "container.idleTimeoutMs must be positive")
	}
	if cfg.Assistant.Name == "" {
		errs = append(errs, "assistant.name must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
