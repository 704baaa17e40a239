package db

import (
	"database/sql"
	"fmt"
)

func (db *DB) CreateProject(p Project) (Project, error) {
	now := timeNow()
	res, err := db.conn.Exec(`
		INSERT INTO projects (owner, name, base_tip, publish_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Owner, p.Name, p.BaseTip, boolToInt(p.PublishStatus), now, now,
	)
	if err != nil {
		return Project{}, fmt.Errorf("creating project: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return Project{}, fmt.Errorf("creating project: %w", err)
	}
	p.CreatedAt = parseTime(now)
	p.UpdatedAt = p.CreatedAt
	return p, nil
}

// EnsureProject returns the project for (owner, name), creating it with the
// given publish flag when missing. Used by seed loading.
func (db *DB) EnsureProject(owner, name string, publish bool) (Project, error) {
	p, err := db.GetProjectByRepo(owner, name)
	if err == nil {
		if p.PublishStatus != publish {
			if _, err := db.conn.Exec(
				`UPDATE projects SET publish_status = ?, updated_at = ? WHERE id = ?`,
				boolToInt(publish), timeNow(), p.ID,
			); err != nil {
				return Project{}, fmt.Errorf("updating project publish flag: %w", err)
			}
			p.PublishStatus = publish
		}
		return p, nil
	}
	if !IsNotFound(err) {
		return Project{}, err
	}
	return db.CreateProject(Project{Owner: owner, Name: name, PublishStatus: publish})
}

func (db *DB) GetProject(id int64) (Project, error) {
	row := db.conn.QueryRow(`
		SELECT id, owner, name, base_tip, publish_status, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Project{}, &NotFoundError{Kind: "project", Key: fmt.Sprint(id)}
		}
		return Project{}, fmt.Errorf("getting project: %w", err)
	}
	return p, nil
}

func (db *DB) GetProjectByRepo(owner, name string) (Project, error) {
	row := db.conn.QueryRow(`
		SELECT id, owner, name, base_tip, publish_status, created_at, updated_at
		FROM projects WHERE owner = ? AND name = ?`, owner, name)
	p, err := scanProject(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Project{}, &NotFoundError{Kind: "project", Key: owner + "/" + name}
		}
		return Project{}, fmt.Errorf("getting project by repo: %w", err)
	}
	return p, nil
}

func (db *DB) ListProjects() ([]Project, error) {
	rows, err := db.conn.Query(`
		SELECT id, owner, name, base_tip, publish_status, created_at, updated_at
		FROM projects ORDER BY owner, name`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SetBaseTip records a new base-branch tip and resets the relative state of
// every open pull request of the project in the same transaction, so readers
// never observe a moved base with stale ahead/behind counts.
func (db *DB) SetBaseTip(projectID int64, sha string) error {
	return db.Tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE projects SET base_tip = ?, updated_at = ? WHERE id = ?`,
			sha, timeNow(), projectID,
		)
		if err != nil {
			return fmt.Errorf("updating base tip: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Kind: "project", Key: fmt.Sprint(projectID)}
		}
		_, err = tx.Exec(`
			UPDATE pull_requests
			SET ahead = NULL, behind = NULL, is_mergeable = NULL, merge_head = NULL, updated_at = ?
			WHERE project_id = ? AND is_open = 1`,
			timeNow(), projectID,
		)
		if err != nil {
			return fmt.Errorf("resetting relative state: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var p Project
	var baseTip sql.NullString
	var publish int
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Owner, &p.Name, &baseTip, &publish, &createdAt, &updatedAt)
	if err != nil {
		return Project{}, err
	}
	if baseTip.Valid {
		p.BaseTip = &baseTip.String
	}
	p.PublishStatus = publish != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
