// Package runner implements ContainerRunner: spawning the per-run agent
// container as a subprocess, injecting secrets and the prompt over
// stdin, parsing the sentinel-framed stdout protocol, and enforcing the
// hard timeout (the idle timer is owned by the caller).
package runner

import (
	"io"
	"time"
)

// MarkerStart and MarkerEnd delimit one JSON output frame in the
// container's stdout stream.
const (
	MarkerStart = "---G2_OUTPUT_START---"
	MarkerEnd   = "---G2_OUTPUT_END---"
)

// Secrets are read from a local env file by the runner itself and never
// by any other subsystem; the map must never be logged.
type Secrets struct {
	ClaudeCodeOAuthToken string `json:"CLAUDE_CODE_OAUTH_TOKEN,omitempty"`
	AnthropicAPIKey      string `json:"ANTHROPIC_API_KEY,omitempty"`
	ClaudeCodeUseBedrock string `json:"CLAUDE_CODE_USE_BEDROCK,omitempty"`
	AWSRegion            string `json:"AWS_REGION,omitempty"`
	AWSAccessKeyID       string `json:"AWS_ACCESS_KEY_ID,omitempty"`
	AWSSecretAccessKey   string `json:"AWS_SECRET_ACCESS_KEY,omitempty"`
	AWSSessionToken      string `json:"AWS_SESSION_TOKEN,omitempty"`
}

// ContainerInput is the single JSON document written to the container's
// stdin at start; stdin then stays open for piped follow-ups until the
// caller closes it or the process exits.
type ContainerInput struct {
	Prompt          string   `json:"prompt"`
	SessionID       string   `json:"sessionId,omitempty"`
	GroupFolder     string   `json:"groupFolder"`
	ChatJID         string   `json:"chatJid"`
	IsMain          bool     `json:"isMain"`
	IsScheduledTask bool     `json:"isScheduledTask,omitempty"`
	Secrets         *Secrets `json:"secrets,omitempty"`
}

// Frame is one parsed JSON object between a START/END marker pair.
type Frame struct {
	Result        *string `json:"result"`
	NewSessionID  string  `json:"newSessionId,omitempty"`
	Status        string  `json:"status,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// ContainerOutput is the terminal result of a Run call.
type ContainerOutput struct {
	Status       string // "success" | "error"
	Result       *string
	NewSessionID string
	Error        string
}

// Input bundles everything Run needs beyond timeouts, which are carried
// separately via TimeoutConfig so group overrides can be layered in by
// the caller (AgentExecutor / TaskScheduler) before the call.
type Input struct {
	Prompt          string
	SessionID       string
	GroupFolder     string
	ChatJID         string
	IsMain          bool
	IsScheduledTask bool
}

// TimeoutConfig carries the group-override-aware timeout values. HardTimeout
// must already reflect max(containerTimeout, idleTimeout+30s) — Run does
// not recompute it, since the idle-reset discipline lives with the caller
// (pipeline/scheduler own the idle timer, not the runner).
type TimeoutConfig struct {
	HardTimeout time.Duration
}

// OnProcessFunc is invoked once the subprocess has been spawned, handing
// the caller the container name, a writer onto the subprocess's stdin,
// and a kill func that triggers the same graceful-stop-then-SIGKILL
// sequence the hard-timeout path uses. GroupQueue.RegisterProcess wires
// up piped follow-up messages and CloseStdin for idle-timeout cleanup,
// and invokes kill on force-terminated shutdown.
type OnProcessFunc func(containerName string, stdin io.WriteCloser, kill func())

// OnOutputFunc is invoked once per parsed frame, in emission order, when
// streaming mode is requested.
type OnOutputFunc func(frame Frame)
