package issuebackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/internal/gitops"
	"github.com/haasonsaas/nexus/internal/orchestration"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// TKBackend is the default file-based issue tracker for projects with no
// external tracker configured: issues live in a SQLite file under the
// project directory, and Commit stages and commits that file into the
// project's repo so task state travels with the code.
type TKBackend struct {
	db      *sql.DB
	Git     *gitops.Gateway
	RepoDir string
}

// NewTKBackend opens (creating if absent) the SQLite database at dbPath.
func NewTKBackend(dbPath string, repoDir string, git *gitops.Gateway) (*TKBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("issuebackend: open tk db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if git == nil {
		git = gitops.New()
	}
	b := &TKBackend{db: db, Git: git, RepoDir: repoDir}
	if err := b.init(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *TKBackend) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			dependencies TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			author TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS seq (name TEXT PRIMARY KEY, value INTEGER NOT NULL)`,
	}
	for _, s := range stmts {
		if _, err := b.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("issuebackend: init tk schema: %w", err)
		}
	}
	return nil
}

func (b *TKBackend) nextID(ctx context.Context) (string, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck

	var n int64
	row := tx.QueryRowContext(ctx, `SELECT value FROM seq WHERE name = 'issue'`)
	if err := row.Scan(&n); err != nil {
		n = 0
	}
	n++
	if _, err := tx.ExecContext(ctx, `INSERT INTO seq(name, value) VALUES('issue', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, n); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return fmt.Sprintf("ISSUE-%d", n), nil
}

func (b *TKBackend) scanIssue(row interface{ Scan(...any) error }) (orchestration.Issue, error) {
	var iss orchestration.Issue
	var deps string
	if err := row.Scan(&iss.ID, &iss.Title, &iss.Status, &iss.Priority, &deps, new(int64)); err != nil {
		return orchestration.Issue{}, err
	}
	if deps != "" {
		_ = json.Unmarshal([]byte(deps), &iss.Dependencies)
	}
	return iss, nil
}

// Get returns a single issue by id.
func (b *TKBackend) Get(ctx context.Context, project, id string) (orchestration.Issue, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id, title, status, priority, dependencies, created_at FROM issues WHERE id = ?`, id)
	iss, err := b.scanIssue(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return orchestration.Issue{}, fmt.Errorf("issuebackend: issue %s not found", id)
		}
		return orchestration.Issue{}, err
	}
	return iss, nil
}

// List returns every issue matching status, or every issue if status is
// empty.
func (b *TKBackend) List(ctx context.Context, project string, status string) ([]orchestration.Issue, error) {
	query := `SELECT id, title, status, priority, dependencies, created_at FROM issues`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orchestration.Issue
	for rows.Next() {
		iss, err := b.scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iss)
	}
	return out, rows.Err()
}

// ReadyIssues returns every open, unblocked, dependency-satisfied issue, in
// creation order.
func (b *TKBackend) ReadyIssues(ctx context.Context, project string) ([]orchestration.Issue, error) {
	all, err := b.List(ctx, project, "")
	if err != nil {
		return nil, err
	}
	return readyFromList(all), nil
}

// Create inserts a new issue and returns it with its assigned id.
func (b *TKBackend) Create(ctx context.Context, project string, iss orchestration.Issue) (orchestration.Issue, error) {
	id, err := b.nextID(ctx)
	if err != nil {
		return orchestration.Issue{}, err
	}
	iss.ID = id
	if iss.Status == "" {
		iss.Status = "open"
	}
	deps, _ := json.Marshal(iss.Dependencies)
	_, err = b.db.ExecContext(ctx, `INSERT INTO issues(id, title, status, priority, dependencies, created_at) VALUES(?, ?, ?, ?, ?, 0)`,
		iss.ID, iss.Title, iss.Status, iss.Priority, string(deps))
	if err != nil {
		return orchestration.Issue{}, err
	}
	return iss, nil
}

// Update overwrites the mutable fields of an existing issue.
func (b *TKBackend) Update(ctx context.Context, project, id string, iss orchestration.Issue) (orchestration.Issue, error) {
	deps, _ := json.Marshal(iss.Dependencies)
	_, err := b.db.ExecContext(ctx, `UPDATE issues SET title = ?, status = ?, priority = ?, dependencies = ? WHERE id = ?`,
		iss.Title, iss.Status, iss.Priority, string(deps), id)
	if err != nil {
		return orchestration.Issue{}, err
	}
	iss.ID = id
	return iss, nil
}

// Close marks an issue closed.
func (b *TKBackend) Close(ctx context.Context, project, id string) error {
	_, err := b.db.ExecContext(ctx, `UPDATE issues SET status = 'closed' WHERE id = ?`, id)
	return err
}

// Comment appends a comment to an issue.
func (b *TKBackend) Comment(ctx context.Context, project, id, body string) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO comments(id, issue_id, author, body, created_at) VALUES(?, ?, 'nexusd', ?, 0)`,
		fmt.Sprintf("%s-%d", id, nowSeq()), id, body)
	return err
}

// ListComments returns every comment on issueID created after sinceMs.
func (b *TKBackend) ListComments(ctx context.Context, project, issueID string, sinceMs int64) ([]orchestration.Comment, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, author, body, created_at FROM comments WHERE issue_id = ? AND created_at >= ? ORDER BY created_at ASC`, issueID, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orchestration.Comment
	for rows.Next() {
		var c orchestration.Comment
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Author, &c.Body, &createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Commit stages and commits the underlying SQLite file into the project's
// repo, giving task state the same commit subject the file-based tracker
// has always used.
func (b *TKBackend) Commit(ctx context.Context, project, message string) error {
	if message == "" {
		message = "issue: update tickets"
	}
	if err := b.Git.AddPath(ctx, b.RepoDir, "."); err != nil {
		return fmt.Errorf("issuebackend: stage tk db: %w", err)
	}
	changed, err := b.Git.DiffCachedHasChanges(ctx, b.RepoDir)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return b.Git.Commit(ctx, b.RepoDir, message)
}

var seqCounter int64

func nowSeq() int64 {
	seqCounter++
	return seqCounter
}
