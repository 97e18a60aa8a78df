package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"studybroker/internal/model"
)

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	doc, err := encodeDoc(user)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO users (id, username, password_hash, active, doc, created_time)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		pb.Add(user.ID), pb.Add(user.Username), pb.Add(user.PasswordHash),
		pb.Add(user.Active), pb.Add(doc), pb.Add(user.Life.CreatedTime),
	)
	_, err = s.DB.ExecContext(ctx, q, pb.Params()...)
	return MapError(s.Dialect, err)
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT doc, password_hash, active FROM users WHERE username = %s AND deleted_time IS NULL`,
		pb.Add(username),
	)
	return s.scanUser(ctx, q, pb.Params())
}

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT doc, password_hash, active FROM users WHERE id = %s AND deleted_time IS NULL`,
		pb.Add(userID),
	)
	return s.scanUser(ctx, q, pb.Params())
}

func (s *Store) scanUser(ctx context.Context, q string, params []any) (*model.User, error) {
	var doc []byte
	var hash string
	var active bool
	err := s.DB.QueryRowContext(ctx, q, params...).Scan(&doc, &hash, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var user model.User
	if err := decodeDoc(doc, &user); err != nil {
		return nil, err
	}
	// The hash lives only in its column; the doc never carries it.
	user.PasswordHash = hash
	user.Active = active
	return &user, nil
}

// --- Refresh tokens ---

func (s *Store) InsertRefreshToken(ctx context.Context, token *model.RefreshToken) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO refresh_tokens (id, user_id, token, expires_time, created_time)
		 VALUES (%s, %s, %s, %s, %s)`,
		pb.Add(token.ID), pb.Add(token.UserID), pb.Add(token.Token),
		pb.Add(token.ExpiresTime), pb.Add(token.CreatedTime),
	)
	_, err := s.DB.ExecContext(ctx, q, pb.Params()...)
	return MapError(s.Dialect, err)
}

func (s *Store) GetRefreshToken(ctx context.Context, token string) (*model.RefreshToken, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT id, user_id, token, expires_time, created_time FROM refresh_tokens WHERE token = %s`,
		pb.Add(token),
	)
	var rt model.RefreshToken
	err := s.DB.QueryRowContext(ctx, q, pb.Params()...).
		Scan(&rt.ID, &rt.UserID, &rt.Token, &rt.ExpiresTime, &rt.CreatedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`DELETE FROM refresh_tokens WHERE token = %s`, pb.Add(token))
	_, err := Exec(ctx, s.DB, q, pb.Params()...)
	return err
}

// --- Audit events ---

// InsertAuditEvents appends a batch of audit rows in one transaction.
func (s *Store) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, event := range events {
		doc, err := encodeDoc(event)
		if err != nil {
			return err
		}
		pb := s.Dialect.NewParamBuilder()
		q := fmt.Sprintf(
			`INSERT INTO audit_events (id, study_id, user_id, action, doc, created_time)
			 VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(event.ID), pb.Add(event.StudyID), pb.Add(event.UserID),
			pb.Add(event.Action), pb.Add(doc), pb.Add(event.CreatedTime),
		)
		if _, err := tx.ExecContext(ctx, q, pb.Params()...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AuditEventsForStudy returns the newest audit rows of a study, newest first.
func (s *Store) AuditEventsForStudy(ctx context.Context, studyID string, limit int) ([]model.AuditEvent, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT doc FROM audit_events WHERE study_id = %s ORDER BY created_time DESC, id DESC LIMIT %s`,
		pb.Add(studyID), pb.Add(limit),
	)
	rows, err := s.DB.QueryContext(ctx, q, pb.Params()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var event model.AuditEvent
		if err := decodeDoc(doc, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PruneAuditEvents deletes audit rows older than the cutoff.
func (s *Store) PruneAuditEvents(ctx context.Context, olderThan int64) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`DELETE FROM audit_events WHERE created_time < %s`, pb.Add(olderThan))
	return Exec(ctx, s.DB, q, pb.Params()...)
}
