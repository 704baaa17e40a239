package db

import (
	"database/sql"
	"fmt"
)

// UpsertPullRequest creates or updates the pull request identified by
// (pr.ProjectID, pr.Number). Head, title, author and open state always take
// the incoming values; merge_head is reset to NULL because the provider
// re-synthesises the merge commit after every head move.
func (db *DB) UpsertPullRequest(pr PullRequest) error {
	now := timeNow()
	_, err := db.conn.Exec(`
		INSERT INTO pull_requests (project_id, number, head, merge_head, author, title, is_open, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, number) DO UPDATE SET
			head = excluded.head,
			merge_head = NULL,
			author = excluded.author,
			title = excluded.title,
			is_open = excluded.is_open,
			updated_at = excluded.updated_at`,
		pr.ProjectID, pr.Number, pr.Head, pr.Author, pr.Title, boolToInt(pr.IsOpen), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting pull request: %w", err)
	}
	return nil
}

func (db *DB) GetPullRequest(projectID int64, number int) (PullRequest, error) {
	row := db.conn.QueryRow(`
		SELECT project_id, number, head, merge_head, author, title, is_open,
			ahead, behind, is_mergeable, created_at, updated_at
		FROM pull_requests WHERE project_id = ? AND number = ?`, projectID, number)
	pr, err := scanPullRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return PullRequest{}, &NotFoundError{Kind: "pull request", Key: fmt.Sprintf("%d#%d", projectID, number)}
		}
		return PullRequest{}, fmt.Errorf("getting pull request: %w", err)
	}
	return pr, nil
}

// ListOpenPullRequests returns the open pull requests of one project,
// ordered by number.
func (db *DB) ListOpenPullRequests(projectID int64) ([]PullRequest, error) {
	return db.listPullRequests(`
		SELECT project_id, number, head, merge_head, author, title, is_open,
			ahead, behind, is_mergeable, created_at, updated_at
		FROM pull_requests WHERE project_id = ? AND is_open = 1 ORDER BY number`, projectID)
}

// ListAllOpenPullRequests returns every open pull request across projects.
// One query, used by the correlation engine and the dashboard list.
func (db *DB) ListAllOpenPullRequests() ([]PullRequest, error) {
	return db.listPullRequests(`
		SELECT project_id, number, head, merge_head, author, title, is_open,
			ahead, behind, is_mergeable, created_at, updated_at
		FROM pull_requests WHERE is_open = 1 ORDER BY project_id, number`)
}

func (db *DB) listPullRequests(query string, args ...any) ([]PullRequest, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pull requests: %w", err)
	}
	defer rows.Close()

	var prs []PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pull request: %w", err)
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// SetRelativeState stores the worker-computed state relative to the base
// branch. Nil values persist as NULL (stale).
func (db *DB) SetRelativeState(projectID int64, number int, ahead, behind *int, mergeable *bool, mergeHead *string) error {
	res, err := db.conn.Exec(`
		UPDATE pull_requests
		SET ahead = ?, behind = ?, is_mergeable = ?, merge_head = ?, updated_at = ?
		WHERE project_id = ? AND number = ?`,
		intPtr(ahead), intPtr(behind), boolPtr(mergeable), mergeHead, timeNow(), projectID, number,
	)
	if err != nil {
		return fmt.Errorf("setting relative state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "pull request", Key: fmt.Sprintf("%d#%d", projectID, number)}
	}
	return nil
}

func scanPullRequest(row rowScanner) (PullRequest, error) {
	var pr PullRequest
	var mergeHead sql.NullString
	var isOpen int
	var ahead, behind, mergeable sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&pr.ProjectID, &pr.Number, &pr.Head, &mergeHead, &pr.Author, &pr.Title,
		&isOpen, &ahead, &behind, &mergeable, &createdAt, &updatedAt)
	if err != nil {
		return PullRequest{}, err
	}
	if mergeHead.Valid {
		pr.MergeHead = &mergeHead.String
	}
	pr.IsOpen = isOpen != 0
	if ahead.Valid {
		v := int(ahead.Int64)
		pr.Ahead = &v
	}
	if behind.Valid {
		v := int(behind.Int64)
		pr.Behind = &v
	}
	if mergeable.Valid {
		v := mergeable.Int64 != 0
		pr.IsMergeable = &v
	}
	pr.CreatedAt = parseTime(createdAt)
	pr.UpdatedAt = parseTime(updatedAt)
	return pr, nil
}

func intPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}
