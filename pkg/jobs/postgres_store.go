package jobs

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists jobs to Postgres. Dedup relies on the unique
// dedup_key column so concurrent intakes of one key cannot both insert.
type PostgresStore struct {
	db *sql.DB
}

const jobColumns = `id, email, task, round, nonce, brief, checks, attachments, evaluation_url, status,
    repo_url, pages_url, commit_sha, result, error, created_at, updated_at, completed_at`

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema applies embedded migrations in lexical order.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, name := range names {
		payload, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sqlText := strings.TrimSpace(string(payload))
		if sqlText == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, job Job) error {
	checks, err := json.Marshal(nonNil(job.Checks))
	if err != nil {
		return fmt.Errorf("marshal checks: %w", err)
	}
	attachments, err := json.Marshal(nonNilAttachments(job.Attachments))
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	query := `INSERT INTO app_jobs (id, dedup_key, email, task, round, nonce, brief, checks, attachments, evaluation_url, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (dedup_key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Key.String(),
		job.Key.Email,
		job.Key.Task,
		job.Key.Round,
		job.Key.Nonce,
		job.Brief,
		checks,
		attachments,
		job.EvaluationURL,
		job.Status,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM app_jobs WHERE dedup_key=$1`, key.String())
	return scanJob(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM app_jobs WHERE id=$1`, id)
	return scanJob(row)
}

func (s *PostgresStore) LatestForTask(ctx context.Context, task string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM app_jobs WHERE task=$1 ORDER BY round DESC, created_at DESC LIMIT 1`, task)
	return scanJob(row)
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(j *Job) error) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM app_jobs WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Job{}, err
	}
	next, err := applyUpdate(current, fn)
	if err != nil {
		return Job{}, err
	}
	next.UpdatedAt = time.Now().UTC()

	var result []byte
	if next.Result != nil {
		if result, err = json.Marshal(next.Result); err != nil {
			return Job{}, fmt.Errorf("marshal result: %w", err)
		}
	}
	query := `UPDATE app_jobs SET status=$1, repo_url=$2, pages_url=$3, commit_sha=$4, result=$5, error=$6, updated_at=$7, completed_at=$8 WHERE id=$9`
	if _, err := tx.ExecContext(ctx, query,
		next.Status,
		nullString(next.RepoURL),
		nullString(next.PagesURL),
		nullString(next.CommitSHA),
		result,
		nullString(next.Error),
		next.UpdatedAt,
		next.CompletedAt,
		id,
	); err != nil {
		return Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("commit job update: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Job, int, error) {
	filter = filter.normalized()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM app_jobs WHERE ($1 = '' OR status = $1)`, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM app_jobs WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC OFFSET $2 LIMIT $3`,
		string(filter.Status), filter.Offset, filter.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	query := `SELECT
    COUNT(*),
    COUNT(*) FILTER (WHERE status = 'pending'),
    COUNT(*) FILTER (WHERE status = 'processing'),
    COUNT(*) FILTER (WHERE status = 'completed'),
    COUNT(*) FILTER (WHERE status = 'failed')
FROM app_jobs`
	var st Stats
	err := s.db.QueryRowContext(ctx, query).Scan(&st.Total, &st.Pending, &st.Processing, &st.Completed, &st.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("job stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM app_jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                              Job
		checks, attachments, result    []byte
		repoURL, pagesURL, sha, errMsg sql.NullString
		completedAt                    sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Key.Email, &j.Key.Task, &j.Key.Round, &j.Key.Nonce, &j.Brief,
		&checks, &attachments, &j.EvaluationURL, &j.Status,
		&repoURL, &pagesURL, &sha, &result, &errMsg, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(checks) > 0 {
		if err := json.Unmarshal(checks, &j.Checks); err != nil {
			return Job{}, fmt.Errorf("decode checks: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &j.Attachments); err != nil {
			return Job{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(result) > 0 {
		var r Result
		if err := json.Unmarshal(result, &r); err != nil {
			return Job{}, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &r
	}
	j.RepoURL = repoURL.String
	j.PagesURL = pagesURL.String
	j.CommitSHA = sha.String
	j.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilAttachments(v []Attachment) []Attachment {
	if v == nil {
		return []Attachment{}
	}
	return v
}
