package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// RecordBuildSha upserts the SHA a build pinned for one project, creating
// the build row if this is the first notification for (jobID, buildNumber).
// The latest submitted SHA wins. Returns the build id.
func (db *DB) RecordBuildSha(jobID int64, buildNumber int, projectID int64, sha string) (int64, error) {
	var buildID int64
	err := db.Tx(func(tx *sql.Tx) error {
		id, err := getOrCreateBuild(tx, jobID, buildNumber)
		if err != nil {
			return err
		}
		buildID = id
		_, err = tx.Exec(`
			INSERT INTO build_shas (build_id, project_id, sha)
			VALUES (?, ?, ?)
			ON CONFLICT(build_id, project_id) DO UPDATE SET sha = excluded.sha`,
			buildID, projectID, sha,
		)
		if err != nil {
			return fmt.Errorf("upserting build sha: %w", err)
		}
		return nil
	})
	return buildID, err
}

// RecordBuildResult upserts the outcome of (jobID, buildNumber), creating the
// build row when the result notification arrives before any SHA. Returns the
// build id.
func (db *DB) RecordBuildResult(jobID int64, buildNumber int, success bool, status string) (int64, error) {
	var buildID int64
	err := db.Tx(func(tx *sql.Tx) error {
		id, err := getOrCreateBuild(tx, jobID, buildNumber)
		if err != nil {
			return err
		}
		buildID = id
		_, err = tx.Exec(
			`UPDATE builds SET success = ?, status = ? WHERE id = ?`,
			boolToInt(success), status, buildID,
		)
		if err != nil {
			return fmt.Errorf("updating build result: %w", err)
		}
		return nil
	})
	return buildID, err
}

func getOrCreateBuild(tx *sql.Tx, jobID int64, buildNumber int) (int64, error) {
	var id int64
	err := tx.QueryRow(
		`SELECT id FROM builds WHERE job_id = ? AND build_number = ?`,
		jobID, buildNumber,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("looking up build: %w", err)
	}
	res, err := tx.Exec(
		`INSERT INTO builds (job_id, build_number) VALUES (?, ?)`,
		jobID, buildNumber,
	)
	if err != nil {
		return 0, fmt.Errorf("creating build: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating build: %w", err)
	}
	return id, nil
}

// BuildShas returns the per-project SHA set of one build.
func (db *DB) BuildShas(buildID int64) (map[int64]string, error) {
	rows, err := db.conn.Query(
		`SELECT project_id, sha FROM build_shas WHERE build_id = ?`, buildID)
	if err != nil {
		return nil, fmt.Errorf("listing build shas: %w", err)
	}
	defer rows.Close()

	shas := make(map[int64]string)
	for rows.Next() {
		var projectID int64
		var sha string
		if err := rows.Scan(&projectID, &sha); err != nil {
			return nil, fmt.Errorf("scanning build sha: %w", err)
		}
		shas[projectID] = sha
	}
	return shas, rows.Err()
}

// BuildTuple is one complete build of a job: the ordered SHAs of the job's
// project list plus the build outcome.
type BuildTuple struct {
	BuildNumber int
	Success     *bool
	Shas        []string
}

// QueryBuildTuples returns, in one query, every build of the job that has a
// BuildSha row for each of the given projects, in ascending build_number
// order. Builds missing any slot are excluded by the inner joins. projectIDs
// must be the job's ordered project list.
func (db *DB) QueryBuildTuples(jobID int64, projectIDs []int64) ([]BuildTuple, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	var sel, joins strings.Builder
	args := make([]any, 0, len(projectIDs)+1)
	sel.WriteString("SELECT b.build_number, b.success")
	for i, pid := range projectIDs {
		fmt.Fprintf(&sel, ", s%d.sha", i)
		fmt.Fprintf(&joins, " JOIN build_shas s%d ON s%d.build_id = b.id AND s%d.project_id = ?", i, i, i)
		args = append(args, pid)
	}
	args = append(args, jobID)

	query := sel.String() + " FROM builds b" + joins.String() +
		" WHERE b.job_id = ? ORDER BY b.build_number"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying build tuples: %w", err)
	}
	defer rows.Close()

	var tuples []BuildTuple
	for rows.Next() {
		t := BuildTuple{Shas: make([]string, len(projectIDs))}
		var success sql.NullInt64
		dest := make([]any, 0, len(projectIDs)+2)
		dest = append(dest, &t.BuildNumber, &success)
		for i := range t.Shas {
			dest = append(dest, &t.Shas[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning build tuple: %w", err)
		}
		if success.Valid {
			v := success.Int64 != 0
			t.Success = &v
		}
		tuples = append(tuples, t)
	}
	return tuples, rows.Err()
}

// RecentBuilds returns the latest n builds of a job with their SHA sets,
// newest first. Used by the per-PR build history page.
func (db *DB) RecentBuilds(jobID int64, n int) ([]Build, map[int64]map[int64]string, error) {
	rows, err := db.conn.Query(`
		SELECT id, job_id, build_number, success, status
		FROM builds WHERE job_id = ?
		ORDER BY build_number DESC LIMIT ?`, jobID, n)
	if err != nil {
		return nil, nil, fmt.Errorf("listing builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	var ids []any
	for rows.Next() {
		var b Build
		var success sql.NullInt64
		if err := rows.Scan(&b.ID, &b.JobID, &b.BuildNumber, &success, &b.Status); err != nil {
			return nil, nil, fmt.Errorf("scanning build: %w", err)
		}
		if success.Valid {
			v := success.Int64 != 0
			b.Success = &v
		}
		builds = append(builds, b)
		ids = append(ids, b.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(builds) == 0 {
		return nil, nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	shaRows, err := db.conn.Query(
		`SELECT build_id, project_id, sha FROM build_shas WHERE build_id IN (`+placeholders+`)`, ids...)
	if err != nil {
		return nil, nil, fmt.Errorf("listing build shas: %w", err)
	}
	defer shaRows.Close()

	shas := make(map[int64]map[int64]string)
	for shaRows.Next() {
		var buildID, projectID int64
		var sha string
		if err := shaRows.Scan(&buildID, &projectID, &sha); err != nil {
			return nil, nil, fmt.Errorf("scanning build sha: %w", err)
		}
		if shas[buildID] == nil {
			shas[buildID] = make(map[int64]string)
		}
		shas[buildID][projectID] = sha
	}
	return builds, shas, shaRows.Err()
}
