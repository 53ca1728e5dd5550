// Package manifest loads task definitions from a YAML file and keeps the
// ledger in sync with it.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"servermgr/internal/core"
)

// Manifest is the on-disk task list.
//
//	tasks:
//	  - name: backup
//	    command: /usr/local/bin/backup.sh
//	    cron: "0 3 * * *"
//	    timeout_seconds: 600
type Manifest struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec declares one task. Tasks are matched to ledger rows by name.
type TaskSpec struct {
	Name            string `yaml:"name"`
	Command         string `yaml:"command"`
	Description     string `yaml:"description"`
	Cron            string `yaml:"cron"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	MaxRetries      int    `yaml:"max_retries"`
	Enabled         *bool  `yaml:"enabled"`
}

func (t TaskSpec) enabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a manifest, rejecting unknown keys.
func Parse(b []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Tasks))
	for i := range m.Tasks {
		t := &m.Tasks[i]
		t.Name = strings.TrimSpace(t.Name)
		t.Command = strings.TrimSpace(t.Command)
		t.Cron = strings.TrimSpace(t.Cron)
		if t.Name == "" {
			return fmt.Errorf("task %d: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("task %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
		if t.Command == "" {
			return fmt.Errorf("task %q: command is required", t.Name)
		}
		if t.Cron != "" {
			if _, err := core.ParseCron(t.Cron, time.UTC); err != nil {
				return fmt.Errorf("task %q: %w", t.Name, err)
			}
		}
		if t.IntervalSeconds < 0 || t.TimeoutSeconds < 0 || t.MaxRetries < 0 {
			return fmt.Errorf("task %q: negative value", t.Name)
		}
	}
	return nil
}
