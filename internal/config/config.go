package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

var ErrInvalidConfig = errors.New("invalid config")

type DBConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Collections struct {
		Articles string `yaml:"articles"`
		Counters string `yaml:"counters"`
		Runs     string `yaml:"runs"`
	} `yaml:"collections"`
}

type LogicConfig struct {
	MinDelayMS           int     `yaml:"min_delay_ms"`
	MaxDelayMS           int     `yaml:"max_delay_ms"`
	TimeoutSec           int     `yaml:"timeout_sec"`
	MaxRetries           int     `yaml:"max_retries"`
	BackoffBaseMS        int     `yaml:"backoff_base_ms"`
	BackoffMaxMS         int     `yaml:"backoff_max_ms"`
	BackoffFactor        float64 `yaml:"backoff_factor"`
	Jitter               float64 `yaml:"jitter"`
	MaxBodyKB            int     `yaml:"max_body_kb"`
	MaxConcurrentWorkers int     `yaml:"max_concurrent_workers"`
	KeywordConcurrency   int     `yaml:"keyword_concurrency"`
	TargetPages          int     `yaml:"target_pages"`
	PageDelayMS          int     `yaml:"page_delay_ms"`
	FetchContent         bool    `yaml:"fetch_content"`
	UserAgent            string  `yaml:"user_agent"`
	RespectRobots        bool    `yaml:"respect_robots"`
}

type PortalConfig struct {
	BaseURL       string   `yaml:"base_url"`
	SearchPath    string   `yaml:"search_path"`
	Warmup        bool     `yaml:"warmup"`
	BlockStatuses []int    `yaml:"block_statuses"`
	BlockMarkers  []string `yaml:"block_markers"`
	LoginMarkers  []string `yaml:"login_markers"`
}

type SessionConfig struct {
	CookieFile      string   `yaml:"cookie_file"`
	BrowserLogin    bool     `yaml:"browser_login"`
	Headless        bool     `yaml:"headless"`
	LoginTimeoutSec int      `yaml:"login_timeout_sec"`
	LoginCookies    []string `yaml:"login_cookies"`
	ValidForHours   int      `yaml:"valid_for_hours"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type SpiderConfig struct {
	DB           DBConfig      `yaml:"db"`
	Logic        LogicConfig   `yaml:"logic"`
	Portal       PortalConfig  `yaml:"portal"`
	Session      SessionConfig `yaml:"session"`
	Log          LogConfig     `yaml:"log"`
	Proxies      []string      `yaml:"proxies"`
	KeywordsFile string        `yaml:"keywords_file"`
}

// Default returns the configuration used for any key missing from the file.
func Default() *SpiderConfig {
	cfg := &SpiderConfig{
		DB: DBConfig{
			Driver:   "sqlite",
			Path:     "wechat_articles.db",
			Database: "sogou_spider",
		},
		Logic: LogicConfig{
			MinDelayMS:           1000,
			MaxDelayMS:           3000,
			TimeoutSec:           15,
			MaxRetries:           3,
			BackoffBaseMS:        2000,
			BackoffMaxMS:         60000,
			BackoffFactor:        2.0,
			Jitter:               0.3,
			MaxBodyKB:            4096,
			MaxConcurrentWorkers: 4,
			KeywordConcurrency:   1,
			PageDelayMS:          3000,
			FetchContent:         true,
			UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
		},
		Portal: PortalConfig{
			BaseURL:       "https://weixin.sogou.com",
			SearchPath:    "/weixin",
			Warmup:        true,
			BlockStatuses: []int{403, 429},
			BlockMarkers:  []string{"antispider", "seccodeImage", "请输入验证码", "异常访问请求"},
			LoginMarkers:  []string{"account.sogou.com", "/login"},
		},
		Session: SessionConfig{
			CookieFile:      "login_cookies.json",
			BrowserLogin:    true,
			LoginTimeoutSec: 60,
			LoginCookies:    []string{"suid", "sct", "ssuid", "login"},
			ValidForHours:   24,
		},
		Log: LogConfig{
			Level: "info",
		},
		KeywordsFile: "wechat_accounts.txt",
	}
	cfg.DB.Collections.Articles = "articles"
	cfg.DB.Collections.Counters = "counters"
	cfg.DB.Collections.Runs = "runs"
	return cfg
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*SpiderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *SpiderConfig) Validate() error {
	var problems []string

	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			problems = append(problems, "db.path is required for sqlite")
		}
	case "mongo":
		if c.DB.Connection == "" || c.DB.Database == "" {
			problems = append(problems, "db.connection and db.database are required for mongo")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown db.driver %q", c.DB.Driver))
	}

	if c.Logic.MinDelayMS < 0 || c.Logic.MaxDelayMS < c.Logic.MinDelayMS {
		problems = append(problems, "logic delay interval must satisfy 0 <= min_delay_ms <= max_delay_ms")
	}
	if c.Logic.MaxRetries < 1 {
		problems = append(problems, "logic.max_retries must be at least 1")
	}
	if c.Logic.BackoffFactor < 1 {
		problems = append(problems, "logic.backoff_factor must be >= 1")
	}
	if c.Logic.Jitter < 0 || c.Logic.Jitter > 1 {
		problems = append(problems, "logic.jitter must be within [0, 1]")
	}
	if c.Logic.MaxConcurrentWorkers < 1 {
		problems = append(problems, "logic.max_concurrent_workers must be at least 1")
	}
	if c.Logic.KeywordConcurrency < 1 {
		problems = append(problems, "logic.keyword_concurrency must be at least 1")
	}
	if c.Portal.BaseURL == "" {
		problems = append(problems, "portal.base_url is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (l LogicConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

func (l LogicConfig) PageDelay() time.Duration {
	return time.Duration(l.PageDelayMS) * time.Millisecond
}

func (s SessionConfig) LoginTimeout() time.Duration {
	return time.Duration(s.LoginTimeoutSec) * time.Second
}

func (s SessionConfig) ValidFor() time.Duration {
	return time.Duration(s.ValidForHours) * time.Hour
}
