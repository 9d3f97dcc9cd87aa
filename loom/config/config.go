package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6510"`
	DBPath     string `env:"DB_PATH, default=loom.db"`
	Dev        bool   `env:"DEV, default=false"`
	Secrets    Secrets `env:",prefix=SECRETS_"`
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	Token    string `env:"TOKEN"`
	Mount    string `env:"MOUNT, default=loom"`
}

type Runs struct {
	MaxConcurrentJobs int    `env:"MAX_CONCURRENT_JOBS, default=4"`
	JobTimeout        string `env:"JOB_TIMEOUT, default=10m"`
	// how long a gated job waits for a decision; 0 waits forever
	ApprovalWindow string `env:"APPROVAL_WINDOW, default=0"`
	LogDir         string `env:"LOG_DIR, default=/var/log/loom"`
	Runner         string `env:"RUNNER, default=local"` // local | docker
	EventQueueSize int    `env:"EVENT_QUEUE_SIZE, default=100"`
}

type Notify struct {
	WebhookURL   string `env:"WEBHOOK_URL"`
	EmailAPIKey  string `env:"EMAIL_API_KEY"`
	EmailFrom    string `env:"EMAIL_FROM"`
	EmailTo      string `env:"EMAIL_TO"`
}

type Config struct {
	Server Server `env:",prefix=LOOM_SERVER_"`
	Runs   Runs   `env:",prefix=LOOM_RUNS_"`
	Notify Notify `env:",prefix=LOOM_NOTIFY_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// JobTimeout parses the configured timeout, falling back to ten
// minutes on a bad duration string.
func (r Runs) JobTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.JobTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// ApprovalWindowDuration returns the approval expiry, or zero when
// gated jobs should wait indefinitely.
func (r Runs) ApprovalWindowDuration() time.Duration {
	d, err := time.ParseDuration(r.ApprovalWindow)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
