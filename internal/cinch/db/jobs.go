package db

import (
	"database/sql"
	"fmt"
)

func (db *DB) CreateJob(name string) (Job, error) {
	res, err := db.conn.Exec(`INSERT INTO jobs (name) VALUES (?)`, name)
	if err != nil {
		return Job{}, fmt.Errorf("creating job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Job{}, fmt.Errorf("creating job: %w", err)
	}
	return Job{ID: id, Name: name}, nil
}

// EnsureJob returns the job with the given name, creating it when missing.
func (db *DB) EnsureJob(name string) (Job, error) {
	job, err := db.GetJobByName(name)
	if err == nil {
		return job, nil
	}
	if !IsNotFound(err) {
		return Job{}, err
	}
	return db.CreateJob(name)
}

func (db *DB) GetJobByName(name string) (Job, error) {
	row := db.conn.QueryRow(`SELECT id, name FROM jobs WHERE name = ?`, name)
	var job Job
	if err := row.Scan(&job.ID, &job.Name); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, &NotFoundError{Kind: "job", Key: name}
		}
		return Job{}, fmt.Errorf("getting job by name: %w", err)
	}
	projectIDs, err := db.jobProjectIDs(job.ID)
	if err != nil {
		return Job{}, err
	}
	job.ProjectIDs = projectIDs
	return job, nil
}

// AddJobProject associates a project with a job at the given tuple position.
// parameterName, when non-empty, is the build parameter used to pin this
// project's SHA when triggering the job externally.
func (db *DB) AddJobProject(jobID, projectID int64, position int, parameterName string) error {
	var param any
	if parameterName != "" {
		param = parameterName
	}
	_, err := db.conn.Exec(`
		INSERT INTO job_projects (job_id, project_id, position, parameter_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, project_id) DO UPDATE SET
			position = excluded.position,
			parameter_name = excluded.parameter_name`,
		jobID, projectID, position, param,
	)
	if err != nil {
		return fmt.Errorf("adding job project: %w", err)
	}
	return nil
}

// ListJobs returns all jobs with their ordered project lists. Two queries
// regardless of job count.
func (db *DB) ListJobs() ([]Job, error) {
	rows, err := db.conn.Query(`SELECT id, name FROM jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	index := make(map[int64]int)
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Name); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		index[job.ID] = len(jobs)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assoc, err := db.conn.Query(`
		SELECT job_id, project_id FROM job_projects ORDER BY job_id, position, project_id`)
	if err != nil {
		return nil, fmt.Errorf("listing job projects: %w", err)
	}
	defer assoc.Close()

	for assoc.Next() {
		var jobID, projectID int64
		if err := assoc.Scan(&jobID, &projectID); err != nil {
			return nil, fmt.Errorf("scanning job project: %w", err)
		}
		if i, ok := index[jobID]; ok {
			jobs[i].ProjectIDs = append(jobs[i].ProjectIDs, projectID)
		}
	}
	return jobs, assoc.Err()
}

func (db *DB) jobProjectIDs(jobID int64) ([]int64, error) {
	rows, err := db.conn.Query(`
		SELECT project_id FROM job_projects
		WHERE job_id = ? ORDER BY position, project_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing job projects: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning job project: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
