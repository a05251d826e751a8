package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"docforge/api/internal/session"
	"docforge/api/internal/util"
)

const pgUniqueViolation = "23505"

// PostgresStore implements session.Store on Postgres. Alias uniqueness is
// enforced by the UNIQUE(group_name, alias) constraint, fragment order by a
// dense ordinal column, and concurrent fragment mutations serialize on a
// SELECT ... FOR UPDATE of the session row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateSession(ctx context.Context, group, alias, templateID string) (session.Session, error) {
	rec := session.Session{
		ID:               util.NewID("sess"),
		Alias:            alias,
		Group:            group,
		TemplateID:       templateID,
		GlobalParameters: map[string]any{},
		Fragments:        []session.FragmentInstance{},
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO render_sessions (id, group_name, alias, template_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, rec.ID, group, alias, templateID).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return session.Session{}, session.ErrAliasExists
		}
		return session.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) AliasInUse(ctx context.Context, group, alias string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM render_sessions WHERE group_name=$1 AND alias=$2)
	`, group, alias).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alias: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, group, reference string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM render_sessions
		WHERE group_name = $1 AND (id = $2 OR alias = $2)
		ORDER BY (id = $2) DESC
		LIMIT 1
	`, group, reference).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", session.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (session.Session, error) {
	rec, err := s.loadSession(ctx, s.db, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	fragments, err := s.loadFragments(ctx, s.db, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	rec.Fragments = fragments
	return rec, nil
}

func (s *PostgresStore) SetGlobalParameters(ctx context.Context, sessionID string, params map[string]any) (session.Session, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return session.Session{}, fmt.Errorf("marshal parameters: %w", err)
	}

	// JSONB || merges key-wise, which is exactly the upsert contract.
	res, err := s.db.ExecContext(ctx, `
		UPDATE render_sessions
		SET global_parameters = global_parameters || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`, sessionID, raw)
	if err != nil {
		return session.Session{}, fmt.Errorf("update parameters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.Session{}, session.ErrNotFound
	}
	return s.Get(ctx, sessionID)
}

func (s *PostgresStore) AddFragment(ctx context.Context, sessionID, fragmentID string, params map[string]any, pos session.Position) (session.FragmentInstance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.FragmentInstance{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return session.FragmentInstance{}, err
	}

	ordinal, err := insertionOrdinal(ctx, tx, sessionID, pos)
	if err != nil {
		return session.FragmentInstance{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE session_fragments SET ordinal = ordinal + 1
		WHERE session_id = $1 AND ordinal >= $2
	`, sessionID, ordinal); err != nil {
		return session.FragmentInstance{}, fmt.Errorf("shift fragments: %w", err)
	}

	instance := session.FragmentInstance{
		GUID:       util.NewID("frag"),
		FragmentID: fragmentID,
		Parameters: params,
	}
	if instance.Parameters == nil {
		instance.Parameters = map[string]any{}
	}
	raw, err := json.Marshal(instance.Parameters)
	if err != nil {
		return session.FragmentInstance{}, fmt.Errorf("marshal parameters: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO session_fragments (guid, session_id, fragment_id, parameters, ordinal)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, instance.GUID, sessionID, fragmentID, raw, ordinal).Scan(&instance.CreatedAt)
	if err != nil {
		return session.FragmentInstance{}, fmt.Errorf("insert fragment: %w", err)
	}

	if err := touchSession(ctx, tx, sessionID); err != nil {
		return session.FragmentInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return session.FragmentInstance{}, fmt.Errorf("commit fragment insert: %w", err)
	}
	return instance, nil
}

func (s *PostgresStore) RemoveFragment(ctx context.Context, sessionID, instanceGUID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return err
	}

	var ordinal int
	err = tx.QueryRowContext(ctx, `
		DELETE FROM session_fragments WHERE session_id=$1 AND guid=$2 RETURNING ordinal
	`, sessionID, instanceGUID).Scan(&ordinal)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrPositionNotFound
	}
	if err != nil {
		return fmt.Errorf("delete fragment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE session_fragments SET ordinal = ordinal - 1
		WHERE session_id = $1 AND ordinal > $2
	`, sessionID, ordinal); err != nil {
		return fmt.Errorf("compact fragments: %w", err)
	}

	if err := touchSession(ctx, tx, sessionID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fragment delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) Abort(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM render_sessions WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context, group string) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rs.id, rs.alias, rs.group_name, rs.template_id,
			(SELECT COUNT(*) FROM session_fragments sf WHERE sf.session_id = rs.id),
			rs.created_at, rs.updated_at
		FROM render_sessions rs
		WHERE rs.group_name = $1
		ORDER BY rs.created_at, rs.id
	`, group)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]session.Summary, 0)
	for rows.Next() {
		var item session.Summary
		if err := rows.Scan(&item.ID, &item.Alias, &item.Group, &item.TemplateID, &item.FragmentCount, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		summaries = append(summaries, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return summaries, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) loadSession(ctx context.Context, q querier, sessionID string) (session.Session, error) {
	var (
		rec session.Session
		raw []byte
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, alias, group_name, template_id, global_parameters, created_at, updated_at
		FROM render_sessions WHERE id=$1
	`, sessionID).Scan(&rec.ID, &rec.Alias, &rec.Group, &rec.TemplateID, &raw, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load session: %w", err)
	}
	rec.GlobalParameters = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.GlobalParameters); err != nil {
			return session.Session{}, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return rec, nil
}

func (s *PostgresStore) loadFragments(ctx context.Context, q querier, sessionID string) ([]session.FragmentInstance, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT guid, fragment_id, parameters, created_at
		FROM session_fragments WHERE session_id=$1 ORDER BY ordinal
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load fragments: %w", err)
	}
	defer rows.Close()

	fragments := make([]session.FragmentInstance, 0)
	for rows.Next() {
		var (
			frag session.FragmentInstance
			raw  []byte
		)
		if err := rows.Scan(&frag.GUID, &frag.FragmentID, &raw, &frag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		frag.Parameters = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &frag.Parameters); err != nil {
				return nil, fmt.Errorf("unmarshal fragment parameters: %w", err)
			}
		}
		fragments = append(fragments, frag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}
	return fragments, nil
}

func lockSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM render_sessions WHERE id=$1 FOR UPDATE`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	return nil
}

// insertionOrdinal resolves pos to the ordinal the new fragment takes.
func insertionOrdinal(ctx context.Context, tx *sql.Tx, sessionID string, pos session.Position) (int, error) {
	switch pos.Kind {
	case session.PositionStart:
		return 0, nil
	case session.PositionEnd, "":
		var next int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(ordinal)+1, 0) FROM session_fragments WHERE session_id=$1
		`, sessionID).Scan(&next)
		if err != nil {
			return 0, fmt.Errorf("next ordinal: %w", err)
		}
		return next, nil
	case session.PositionBefore, session.PositionAfter:
		var anchor int
		err := tx.QueryRowContext(ctx, `
			SELECT ordinal FROM session_fragments WHERE session_id=$1 AND guid=$2
		`, sessionID, pos.GUID).Scan(&anchor)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, session.ErrPositionNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("anchor ordinal: %w", err)
		}
		if pos.Kind == session.PositionAfter {
			return anchor + 1, nil
		}
		return anchor, nil
	default:
		return 0, session.ErrInvalidPosition
	}
}

func touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE render_sessions SET updated_at=NOW() WHERE id=$1`, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
