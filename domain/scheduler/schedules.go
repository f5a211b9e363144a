package scheduler

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Schedule declares a recurring job from the schedules file
type Schedule struct {
	// Name identifies the schedule; it doubles as the enqueue unique key
	// so overlapping firings never stack up
	Name string `yaml:"name"`
	// Cron is the schedule expression (seconds precision)
	Cron string `yaml:"cron"`
	// Queue is the target queue (default: "default")
	Queue string `yaml:"queue"`
	// Kind selects the handler for the enqueued job
	Kind string `yaml:"kind"`
	// Priority orders dequeue; higher runs first
	Priority int `yaml:"priority"`
	// Payload is passed to the handler as JSON
	Payload map[string]any `yaml:"payload"`
}

// schedulesFile is the top-level structure of the YAML schedules file
type schedulesFile struct {
	Schedules []Schedule `yaml:"schedules"`
}

// PayloadJSON renders the schedule payload as JSON for enqueueing
func (s *Schedule) PayloadJSON() (json.RawMessage, error) {
	if len(s.Payload) == 0 {
		return json.RawMessage("{}"), nil
	}

	data, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for schedule %q: %w", s.Name, err)
	}
	return data, nil
}

// LoadSchedules reads and validates a YAML schedules file
func LoadSchedules(path string) ([]Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules file: %w", err)
	}

	return ParseSchedules(data)
}

// ParseSchedules parses and validates schedules from YAML bytes
func ParseSchedules(data []byte) ([]Schedule, error) {
	var file schedulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schedules file: %w", err)
	}

	seen := make(map[string]bool, len(file.Schedules))
	for i, schedule := range file.Schedules {
		if schedule.Name == "" {
			return nil, fmt.Errorf("schedule %d: name is required", i)
		}
		if schedule.Cron == "" {
			return nil, fmt.Errorf("schedule %q: cron expression is required", schedule.Name)
		}
		if schedule.Kind == "" {
			return nil, fmt.Errorf("schedule %q: kind is required", schedule.Name)
		}
		if seen[schedule.Name] {
			return nil, fmt.Errorf("duplicate schedule name %q", schedule.Name)
		}
		seen[schedule.Name] = true
	}

	return file.Schedules, nil
}
