package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed declares the project/job topology to ensure at startup. It stands in
// for an admin editor: applying it is idempotent, so the file can be kept in
// version control and re-applied on every deploy.
type Seed struct {
	Projects []SeedProject `yaml:"projects"`
	Jobs     []SeedJob     `yaml:"jobs"`
}

type SeedProject struct {
	Owner         string `yaml:"owner"`
	Name          string `yaml:"name"`
	PublishStatus bool   `yaml:"publish_status"`
}

type SeedJob struct {
	Name     string           `yaml:"name"`
	Projects []SeedJobProject `yaml:"projects"`
}

// SeedJobProject pins one slot of a job's ordered project list. Parameter,
// when set, names the build parameter used to pin this project's SHA when
// triggering the job externally.
type SeedJobProject struct {
	Owner     string `yaml:"owner"`
	Name      string `yaml:"name"`
	Parameter string `yaml:"parameter"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return &seed, nil
}

func (s *Seed) validate() error {
	known := make(map[string]bool)
	for _, p := range s.Projects {
		if p.Owner == "" || p.Name == "" {
			return fmt.Errorf("project needs owner and name, got %q/%q", p.Owner, p.Name)
		}
		known[p.Owner+"/"+p.Name] = true
	}
	for _, j := range s.Jobs {
		if j.Name == "" {
			return fmt.Errorf("job needs a name")
		}
		if len(j.Projects) == 0 {
			return fmt.Errorf("job %s needs at least one project", j.Name)
		}
		for _, p := range j.Projects {
			if !known[p.Owner+"/"+p.Name] {
				return fmt.Errorf("job %s references undeclared project %s/%s", j.Name, p.Owner, p.Name)
			}
		}
	}
	return nil
}
