// Package config loads lilac-bot's global configuration file: decode
// YAML with gopkg.in/yaml.v3, optionally merge a godotenv-style
// env-vars file, then validate, collecting every problem rather than
// stopping at the first.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// WorkerKind selects how a worker's subprocess is launched.
type WorkerKind string

const (
	WorkerKindLocal     WorkerKind = "local"
	WorkerKindRemoteSSH WorkerKind = "remote_ssh"
)

// WorkerConfig is one entry of the workers list.
type WorkerConfig struct {
	Name    string     `yaml:"name"`
	Kind    WorkerKind `yaml:"kind"`
	SSHHost string     `yaml:"ssh_host,omitempty"`
	// SSHPort defaults to 22 when unset.
	SSHPort int `yaml:"ssh_port,omitempty"`
	// SSHUser defaults to "root" when unset.
	SSHUser string `yaml:"ssh_user,omitempty"`
	// SSHKeyPath is a private key file used to authenticate; required
	// for kind remote_ssh.
	SSHKeyPath string `yaml:"ssh_key_path,omitempty"`
	// SSHHostKey is the expected host public key, in authorized_keys
	// format. Empty accepts any host key, which is only acceptable for
	// workers reachable solely over a trusted private network.
	SSHHostKey     string   `yaml:"ssh_host_key,omitempty"`
	SSHWorkerPath  string   `yaml:"ssh_worker_path,omitempty"` // remote lilac-worker binary path, defaults to "lilac-worker"
	MaxConcurrency int      `yaml:"max_concurrency"`
	AllowedGroups  []string `yaml:"allowed_groups,omitempty"`
}

// SMTPConfig configures the mail sender.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	UseSSL   bool   `yaml:"use_ssl,omitempty"`
	From     string `yaml:"from"`
	SendMail bool   `yaml:"send_mail"`
	Reports  string `yaml:"reports,omitempty"` // batch-summary recipient; the batch command sends no summary mail
}

// Config is the root of lilac-bot.yaml.
type Config struct {
	Repodir        string         `yaml:"repodir"`
	DSN            string         `yaml:"dsn,omitempty"` // empty selects the in-memory history store
	Workers        []WorkerConfig `yaml:"workers"`
	NvcheckerPath  string         `yaml:"nvchecker_path"`
	// NvtakePath is the nvtake-compatible companion binary that commits
	// checked versions into the oldver state file. Defaults to nvtake
	// sitting next to NvcheckerPath if unset.
	NvtakePath string `yaml:"nvtake_path,omitempty"`
	SMTP           SMTPConfig     `yaml:"smtp"`
	SigningKeyPath string         `yaml:"signing_key_path"`
	RepoDir        string         `yaml:"repo_dir"`       // destination directory for published artifacts
	StagingDir     string         `yaml:"staging_dir"`
	OfficialDBPath string         `yaml:"official_db_path"`
	EnvFile        string         `yaml:"env_file,omitempty"`

	// Environment carries any merged env_file contents. The build worker
	// is not given these values.
	Environment map[string]string `yaml:"-"`
}

// ErrInvalidConfig reports every validation problem found, collected
// rather than stopping at the first.
type ErrInvalidConfig struct {
	Problems []error
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid configuration: %v", errors.Join(e.Problems...))
}

func (e *ErrInvalidConfig) Unwrap() []error { return e.Problems }

// Load reads and validates path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	if cfg.EnvFile != "" {
		envMap, err := godotenv.Read(cfg.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", cfg.EnvFile, err)
		}
		cfg.Environment = envMap
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg Config) validate() error {
	var problems []error

	if cfg.Repodir == "" {
		problems = append(problems, errors.New("repodir must not be empty"))
	}
	if len(cfg.Workers) == 0 {
		problems = append(problems, errors.New("at least one worker must be configured"))
	}
	seen := make(map[string]bool)
	for _, w := range cfg.Workers {
		if w.Name == "" {
			problems = append(problems, errors.New("worker name must not be empty"))
			continue
		}
		if seen[w.Name] {
			problems = append(problems, fmt.Errorf("duplicate worker name %q", w.Name))
		}
		seen[w.Name] = true
		if w.Kind == WorkerKindRemoteSSH {
			if w.SSHHost == "" {
				problems = append(problems, fmt.Errorf("worker %q: kind remote_ssh requires ssh_host", w.Name))
			}
			if w.SSHKeyPath == "" {
				problems = append(problems, fmt.Errorf("worker %q: kind remote_ssh requires ssh_key_path", w.Name))
			}
		}
		if w.MaxConcurrency <= 0 {
			problems = append(problems, fmt.Errorf("worker %q: max_concurrency must be positive", w.Name))
		}
	}
	if cfg.NvcheckerPath == "" {
		problems = append(problems, errors.New("nvchecker_path must not be empty"))
	}

	if len(problems) > 0 {
		return &ErrInvalidConfig{Problems: problems}
	}
	return nil
}
