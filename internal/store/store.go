package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type Store struct {
	db *sqlx.DB
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func NewStore(dbURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Store{db: db}, nil
}

const prColumns = `id, repository, number, target, label, head, priority, merge_method, squash, message, state, blocked, reviewer_login, reviewer_name, created_at, updated_at`

func (s *Store) getPRRow(ctx context.Context, q sqlx.QueryerContext, where string, args ...any) (*domain.PullRequest, error) {
	var pr domain.PullRequest
	err := sqlx.GetContext(ctx, q, &pr, `SELECT `+prColumns+` FROM pull_requests WHERE `+where, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var raw []byte
	err = sqlx.GetContext(ctx, q, &raw, `SELECT commits_map FROM pull_requests WHERE id = $1`, pr.ID)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &pr.CommitsMap); err != nil {
			return nil, err
		}
	}
	return &pr, nil
}

func (s *Store) GetPR(ctx context.Context, repository string, number int) (*domain.PullRequest, error) {
	return s.getPRRow(ctx, s.db, `repository = $1 AND number = $2`, repository, number)
}

func (s *Store) UpsertPR(ctx context.Context, pr *domain.PullRequest) error {
	cm, err := commitsMapJSON(pr)
	if err != nil {
		return err
	}
	return s.db.QueryRowxContext(ctx, `
       INSERT INTO pull_requests (repository, number, target, label, head, priority, merge_method, squash, message, state, blocked, reviewer_login, reviewer_name, commits_map, created_at, updated_at)
       VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
       ON CONFLICT (repository, number) DO UPDATE SET
           target = EXCLUDED.target, label = EXCLUDED.label, head = EXCLUDED.head,
           priority = EXCLUDED.priority, merge_method = EXCLUDED.merge_method,
           squash = EXCLUDED.squash, message = EXCLUDED.message, state = EXCLUDED.state,
           blocked = EXCLUDED.blocked, reviewer_login = EXCLUDED.reviewer_login,
           reviewer_name = EXCLUDED.reviewer_name, commits_map = EXCLUDED.commits_map,
           updated_at = now()
       RETURNING id
`, pr.Repository, pr.Number, pr.Target, pr.Label, pr.Head, pr.Priority, pr.Method, pr.Squash,
		pr.Message, pr.State, pr.Blocked, pr.ReviewerLogin, pr.ReviewerName, cm).Scan(&pr.ID)
}

// SavePR writes back the mutable staging fields of an existing PR.
func (s *Store) SavePR(ctx context.Context, pr *domain.PullRequest) error {
	cm, err := commitsMapJSON(pr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
       UPDATE pull_requests SET
           target = $1, head = $2, squash = $3, message = $4, state = $5,
           merge_method = $6, reviewer_name = $7, commits_map = $8, updated_at = now()
       WHERE id = $9
`, pr.Target, pr.Head, pr.Squash, pr.Message, pr.State, pr.Method, pr.ReviewerName, cm, pr.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenPRs returns every non-terminal PR targeting the branch.
func (s *Store) OpenPRs(ctx context.Context, target string) ([]*domain.PullRequest, error) {
	var prs []*domain.PullRequest
	err := s.db.SelectContext(ctx, &prs, `
       SELECT `+prColumns+` FROM pull_requests
       WHERE target = $1 AND state NOT IN ('merged', 'closed')
       ORDER BY id
`, target)
	if err != nil {
		return nil, err
	}
	return prs, nil
}

func (s *Store) PRsByID(ctx context.Context, ids []int64) ([]*domain.PullRequest, error) {
	var prs []*domain.PullRequest
	err := s.db.SelectContext(ctx, &prs, `
       SELECT `+prColumns+` FROM pull_requests WHERE id = any($1) ORDER BY id
`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	if len(prs) != len(ids) {
		return nil, ErrNotFound
	}
	return prs, nil
}

// ActiveStaging returns the branch's active staging, or nil when there is
// none.
func (s *Store) ActiveStaging(ctx context.Context, target string) (*domain.Staging, error) {
	var st domain.Staging
	err := s.db.GetContext(ctx, &st, `SELECT id, target, active, created_at FROM stagings WHERE target = $1 AND active`, target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &st.BatchIDs, `SELECT batch_id FROM staging_batches WHERE staging_id = $1 ORDER BY batch_id`, st.ID); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &st.Heads, `SELECT repository, head, to_check FROM staging_heads WHERE staging_id = $1 ORDER BY repository`, st.ID); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) CreateBatch(ctx context.Context, target string, prIDs []int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			log.Printf("warning: rollback failed in CreateBatch: %v", rollbackErr)
		}
	}()

	var id int64
	if err := tx.QueryRowxContext(ctx, `INSERT INTO batches (target, created_at) VALUES ($1, now()) RETURNING id`, target).Scan(&id); err != nil {
		return 0, err
	}
	for _, prID := range prIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO batch_prs (batch_id, pr_id) VALUES ($1,$2)`, id, prID); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

func (s *Store) CreateStaging(ctx context.Context, st *domain.Staging) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			log.Printf("warning: rollback failed in CreateStaging: %v", rollbackErr)
		}
	}()

	err = tx.QueryRowxContext(ctx, `INSERT INTO stagings (target, active, created_at) VALUES ($1, true, now()) RETURNING id`, st.Target).Scan(&st.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrAlreadyExists
		}
		return err
	}
	for _, batchID := range st.BatchIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO staging_batches (staging_id, batch_id) VALUES ($1,$2)`, st.ID, batchID); err != nil {
			return err
		}
	}
	for _, h := range st.Heads {
		if _, err := tx.ExecContext(ctx, `INSERT INTO staging_heads (staging_id, repository, head, to_check) VALUES ($1,$2,$3,$4)`, st.ID, h.Repository, h.Head, h.ToCheck); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TakeSplit pops the oldest pending split for the branch: its batches (as
// PR id lists) are returned and the split record deleted.
func (s *Store) TakeSplit(ctx context.Context, target string) ([][]int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			log.Printf("warning: rollback failed in TakeSplit: %v", rollbackErr)
		}
	}()

	var splitID int64
	err = tx.GetContext(ctx, &splitID, `SELECT id FROM splits WHERE target = $1 ORDER BY id LIMIT 1 FOR UPDATE`, target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var batchIDs []int64
	if err := tx.SelectContext(ctx, &batchIDs, `SELECT batch_id FROM split_batches WHERE split_id = $1 ORDER BY batch_id`, splitID); err != nil {
		return nil, err
	}

	batches := make([][]int64, 0, len(batchIDs))
	for _, batchID := range batchIDs {
		var prIDs []int64
		if err := tx.SelectContext(ctx, &prIDs, `SELECT pr_id FROM batch_prs WHERE batch_id = $1 ORDER BY pr_id`, batchID); err != nil {
			return nil, err
		}
		batches = append(batches, prIDs)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM splits WHERE id = $1`, splitID); err != nil {
		return nil, err
	}
	return batches, tx.Commit()
}

func (s *Store) CreateSplit(ctx context.Context, target string, batchIDs []int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			log.Printf("warning: rollback failed in CreateSplit: %v", rollbackErr)
		}
	}()

	var id int64
	if err := tx.QueryRowxContext(ctx, `INSERT INTO splits (target, created_at) VALUES ($1, now()) RETURNING id`, target).Scan(&id); err != nil {
		return err
	}
	for _, batchID := range batchIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO split_batches (split_id, batch_id) VALUES ($1,$2)`, id, batchID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkCommit records a commit as trackable, flagging it for CI
// re-evaluation when toCheck is set.
func (s *Store) MarkCommit(ctx context.Context, sha string, toCheck bool) error {
	_, err := s.db.ExecContext(ctx, `
       INSERT INTO commits (sha, to_check, statuses) VALUES ($1, $2, '{}')
       ON CONFLICT (sha) DO UPDATE SET to_check = commits.to_check OR EXCLUDED.to_check
`, sha, toCheck)
	return err
}

func (s *Store) NotifyMergeFailed(ctx context.Context, pr *domain.PullRequest, reason string) error {
	return s.notify(ctx, "merge_failed", pr, map[string]any{"reason": reason})
}

func (s *Store) NotifyMismatch(ctx context.Context, pr *domain.PullRequest, fields []string, diff string, unchecked []string) error {
	return s.notify(ctx, "staging_mismatch", pr, map[string]any{
		"fields":    fields,
		"diff":      diff,
		"unchecked": unchecked,
	})
}

func (s *Store) notify(ctx context.Context, kind string, pr *domain.PullRequest, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO notifications (kind, repository, number, payload, created_at) VALUES ($1,$2,$3,$4,now())`,
		kind, pr.Repository, pr.Number, raw)
	return err
}

func commitsMapJSON(pr *domain.PullRequest) ([]byte, error) {
	if pr.CommitsMap == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(pr.CommitsMap)
}
