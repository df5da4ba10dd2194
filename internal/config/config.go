// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package config loads the configuration of an extraction run.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/VenobyTo/extractqueue"
)

const dateLayout = "2006-01-02"

// Config describes an extraction run.
type Config struct {
	Workers         int           `yaml:"workers"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	FailureRate     float64       `yaml:"failure_rate"`
	MaxRetries      int           `yaml:"max_retries"`
	HTTPAddr        string        `yaml:"http_addr"`

	Redis    Redis     `yaml:"redis"`
	Stations []Station `yaml:"stations"`
}

// Redis configures the event publisher. Publishing is disabled if Addr
// is empty.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// Station is a station to extract observations for.
type Station struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
	Source    string `yaml:"source"`
	Priority  string `yaml:"priority"`
}

// Default returns a configuration without stations.
func Default() *Config {
	return &Config{
		Workers:         4,
		PollInterval:    200 * time.Millisecond,
		StatsInterval:   time.Second,
		ShutdownTimeout: 10 * time.Second,
		FailureRate:     0.1,
		MaxRetries:      extractqueue.DefaultMaxRetries,
		Redis: Redis{
			Namespace: "extractq",
		},
	}
}

// Load reads the YAML file at path. Missing values are taken from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: cannot read file %q", path)
	}
	return Parse(data)
}

// Parse parses a YAML configuration and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "config: cannot unmarshal yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("config: poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return errors.Errorf("config: failure_rate must be in [0,1], got %v", c.FailureRate)
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("config: max_retries must not be negative, got %d", c.MaxRetries)
	}
	seen := make(map[string]bool, len(c.Stations))
	for i, st := range c.Stations {
		if st.ID == "" {
			return errors.Errorf("config: stations[%d]: id is empty", i)
		}
		if seen[st.ID] {
			return errors.Errorf("config: stations[%d]: duplicate id %q", i, st.ID)
		}
		seen[st.ID] = true
		if err := st.validate(); err != nil {
			return errors.Wrapf(err, "config: station %q", st.ID)
		}
	}
	return nil
}

func (s Station) validate() error {
	if s.Priority != "" {
		if _, err := extractqueue.ParsePriority(s.Priority); err != nil {
			return err
		}
	}
	// Dates are opaque to the queue; only check the order if both parse.
	start, err1 := time.Parse(dateLayout, s.StartDate)
	end, err2 := time.Parse(dateLayout, s.EndDate)
	if err1 == nil && err2 == nil && start.After(end) {
		return errors.Errorf("start_date %s is after end_date %s", s.StartDate, s.EndDate)
	}
	return nil
}

// Tasks creates one pending task per station, in configuration order.
func (c *Config) Tasks() []*extractqueue.Task {
	tasks := make([]*extractqueue.Task, 0, len(c.Stations))
	for _, st := range c.Stations {
		options := []extractqueue.TaskOption{
			extractqueue.WithMaxRetries(c.MaxRetries),
		}
		if st.Source != "" {
			options = append(options, extractqueue.WithSource(st.Source))
		}
		if p, err := extractqueue.ParsePriority(st.Priority); err == nil {
			options = append(options, extractqueue.WithPriority(p))
		}
		name := st.Name
		if name == "" {
			name = st.ID
		}
		t := extractqueue.NewTask(extractqueue.NewTaskID(), st.ID, name, st.StartDate, st.EndDate, options...)
		tasks = append(tasks, t)
	}
	return tasks
}
