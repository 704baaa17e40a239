package config

import (
	"fmt"

	"github.com/onefinestay/cinch/internal/cinch/db"
)

// Apply ensures the declared projects and jobs exist. Idempotent: re-running
// with the same seed changes nothing.
func (s *Seed) Apply(d *db.DB) error {
	ids := make(map[string]int64)
	for _, p := range s.Projects {
		project, err := d.EnsureProject(p.Owner, p.Name, p.PublishStatus)
		if err != nil {
			return fmt.Errorf("seeding project %s/%s: %w", p.Owner, p.Name, err)
		}
		ids[p.Owner+"/"+p.Name] = project.ID
	}
	for _, j := range s.Jobs {
		job, err := d.EnsureJob(j.Name)
		if err != nil {
			return fmt.Errorf("seeding job %s: %w", j.Name, err)
		}
		for i, p := range j.Projects {
			if err := d.AddJobProject(job.ID, ids[p.Owner+"/"+p.Name], i, p.Parameter); err != nil {
				return fmt.Errorf("seeding job %s: %w", j.Name, err)
			}
		}
	}
	return nil
}
