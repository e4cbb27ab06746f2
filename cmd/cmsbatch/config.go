package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/cmsbatch/batch"
)

// fileConfig is the on-disk configuration for the CLI.
type fileConfig struct {
	API struct {
		BaseURL    string `yaml:"base_url"`
		TimeoutMs  int64  `yaml:"timeout_ms"`
		MaxRetries int    `yaml:"max_retries"`
		BackoffMs  int64  `yaml:"backoff_ms"`
		UserAgent  string `yaml:"user_agent"`
	} `yaml:"api"`

	Auth struct {
		// AccessToken/RefreshToken default to the CMS_ACCESS_TOKEN and
		// CMS_REFRESH_TOKEN environment variables when empty.
		AccessToken  string `yaml:"access_token"`
		RefreshToken string `yaml:"refresh_token"`
		TokenURL     string `yaml:"token_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"auth"`

	RateLimit struct {
		Strategy string `yaml:"strategy"` // queue | throw | retry
	} `yaml:"ratelimit"`

	Ledger struct {
		// DB is the SQLite path for the change ledger. Empty keeps the
		// ledger in memory (no rollback across restarts).
		DB             string `yaml:"db"`
		RetentionHours int    `yaml:"retention_hours"`
	} `yaml:"ledger"`

	Rollback struct {
		Mode string `yaml:"mode"` // auto | native | replay
	} `yaml:"rollback"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.API.BaseURL == "" {
		return nil, fmt.Errorf("config: api.base_url is required")
	}
	if cfg.Auth.AccessToken == "" {
		cfg.Auth.AccessToken = os.Getenv("CMS_ACCESS_TOKEN")
	}
	if cfg.Auth.RefreshToken == "" {
		cfg.Auth.RefreshToken = os.Getenv("CMS_REFRESH_TOKEN")
	}
	return &cfg, nil
}

func (c *fileConfig) timeout() time.Duration {
	return time.Duration(c.API.TimeoutMs) * time.Millisecond
}

func (c *fileConfig) backoff() time.Duration {
	return time.Duration(c.API.BackoffMs) * time.Millisecond
}

func (c *fileConfig) retention() time.Duration {
	return time.Duration(c.Ledger.RetentionHours) * time.Hour
}

// jobFile is the on-disk form of one batch job.
type jobFile struct {
	ConfirmationRequired bool      `yaml:"confirmation_required"`
	RollbackEnabled      bool      `yaml:"rollback_enabled"`
	Operations           []jobItem `yaml:"operations"`
}

type jobItem struct {
	Kind        string `yaml:"kind"`
	Resource    string `yaml:"resource"`
	Item        string `yaml:"item"`
	Field       string `yaml:"field"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Value       string `yaml:"value"`
	Preview     bool   `yaml:"preview"`
}

// loadJob parses and validates a job file. Every operation goes through its
// typed constructor, so malformed entries fail here, before any dispatch.
func loadJob(path string) (batch.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return batch.Job{}, fmt.Errorf("read job: %w", err)
	}
	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return batch.Job{}, fmt.Errorf("parse job: %w", err)
	}

	job := batch.Job{
		ConfirmationRequired: jf.ConfirmationRequired,
		RollbackEnabled:      jf.RollbackEnabled,
	}
	for i, it := range jf.Operations {
		var m batch.Mutation
		switch batch.Kind(it.Kind) {
		case batch.KindTitle:
			m, err = batch.NewTitle(it.Resource, it.Title)
		case batch.KindDescription:
			m, err = batch.NewDescription(it.Resource, it.Description)
		case batch.KindSEO:
			m, err = batch.NewSEO(it.Resource, it.Title, it.Description)
		case batch.KindCMSField:
			m, err = batch.NewCMSField(it.Resource, it.Item, it.Field, it.Value)
		default:
			err = fmt.Errorf("unknown kind %q", it.Kind)
		}
		if err != nil {
			return batch.Job{}, fmt.Errorf("job operation %d: %w", i, err)
		}
		if it.Preview {
			m = m.AsPreview()
		}
		job.Operations = append(job.Operations, m)
	}
	return job, nil
}
