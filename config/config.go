// Package config resolves the pipeline configuration once at startup into an
// explicit struct that gets passed into every constructor.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// Duration lets TOML carry human-readable durations like "300s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Redis struct {
	Addr string `toml:"addr"`
	DB   int    `toml:"db"`
}

type Queues struct {
	Prefix     string `toml:"prefix"`
	Tasks      string `toml:"tasks"`
	Results    string `toml:"results"`
	PM         string `toml:"pm"`
	DeadLetter string `toml:"dead_letter"`
}

type Tool struct {
	Name         string   `toml:"name"`
	Model        string   `toml:"model"`
	AllowedTools string   `toml:"allowed_tools"`
	WorkDir      string   `toml:"work_dir"`
	Timeout      Duration `toml:"timeout"`
}

type Worker struct {
	ID           string   `toml:"id"`
	Group        string   `toml:"group"`
	NumWorkers   int      `toml:"num_workers"`
	MaxReceive   int64    `toml:"max_receive"`
	ReclaimDelay Duration `toml:"reclaim_delay"`
	OutputRoot   string   `toml:"output_root"`
	HistoryPath  string   `toml:"history_path"`
	EnrichLimit  int      `toml:"enrich_limit"`
}

type Config struct {
	Redis  Redis  `toml:"redis"`
	Queues Queues `toml:"queues"`
	Tool   Tool   `toml:"tool"`
	Worker Worker `toml:"worker"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Queues: Queues{
			Prefix:     "taskrelay",
			Tasks:      "tasks",
			Results:    "results",
			PM:         "pm",
			DeadLetter: "deadletter",
		},
		Tool: Tool{
			Name:         "claude",
			Model:        "sonnet",
			AllowedTools: "Bash,Read,Write",
			Timeout:      Duration(300 * time.Second),
		},
		Worker: Worker{
			Group:        "taskrelay",
			NumWorkers:   1,
			MaxReceive:   5,
			ReclaimDelay: Duration(5 * time.Minute),
			OutputRoot:   "output",
			HistoryPath:  "taskrelay.db",
			EnrichLimit:  3,
		},
	}
}

// Load reads a TOML file over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg.normalized(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	if c.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = uuid.NewString()
		}
		c.Worker.ID = host
	}
	if c.Worker.NumWorkers <= 0 {
		c.Worker.NumWorkers = 1
	}
	if c.Worker.MaxReceive <= 0 {
		c.Worker.MaxReceive = 5
	}
	if c.Tool.Timeout <= 0 {
		c.Tool.Timeout = Duration(300 * time.Second)
	}
	if c.Worker.ReclaimDelay <= 0 {
		c.Worker.ReclaimDelay = Duration(5 * time.Minute)
	}
	return c
}
