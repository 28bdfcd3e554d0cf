package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thruflo/fieldtrack/internal/geo"
)

// Scenario is a scripted tracking session used by the simulate command.
//
//	start: 2024-06-03T09:00:00Z
//	tasks:
//	  - id: A
//	    center: {lat: -34.6037, lon: -58.3816}
//	    radius_km: 0.3
//	    status: accepted
//	    time_limit_minutes: 30
//	steps:
//	  - after: 1m
//	    position: {latitude: -34.6037, longitude: -58.3816}
//	  - after: 10m
//	    status: {A: completed}
type Scenario struct {
	Start time.Time  `yaml:"start"`
	Tasks []geo.Task `yaml:"tasks"`
	Steps []Step     `yaml:"steps"`
}

// Step advances the simulated clock by After and then applies its actions in
// field order: status changes, pause, resume, position, reconcile.
type Step struct {
	After     time.Duration     `yaml:"after"`
	Status    map[string]string `yaml:"status,omitempty"`
	Pause     bool              `yaml:"pause,omitempty"`
	Resume    bool              `yaml:"resume,omitempty"`
	Position  *geo.Position     `yaml:"position,omitempty"`
	Reconcile bool              `yaml:"reconcile,omitempty"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Start.IsZero() {
		s.Start = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	}
	return &s, nil
}

// Validate checks step and task consistency. Malformed task geometry is left
// to the evaluator, which skips such tasks at runtime.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	ids := make(map[string]bool, len(s.Tasks))
	for i, t := range s.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d: id is required", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("task %d: duplicate id %q", i, t.ID)
		}
		ids[t.ID] = true
	}
	for i, st := range s.Steps {
		if st.After < 0 {
			return fmt.Errorf("step %d: after must not be negative", i)
		}
		if st.Pause && st.Resume {
			return fmt.Errorf("step %d: pause and resume are exclusive", i)
		}
		for id := range st.Status {
			if !ids[id] {
				return fmt.Errorf("step %d: unknown task %q", i, id)
			}
		}
	}
	return nil
}
