package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"studybroker/internal/model"
)

// The store keeps every document as a JSON doc column plus the handful of
// columns queries filter or stamp on (study, field id, data version, life
// times). Filter columns win on read: after decoding the doc they overwrite
// the decoded value, so a version stamp never needs a doc rewrite.

func encodeDoc(v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode doc: %w", err)
	}
	return doc, nil
}

func decodeDoc(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode doc: %w", err)
	}
	return nil
}

// versionPredicate builds the data_version filter for a set of version ids,
// where a nil entry selects unversioned rows.
func versionPredicate(d Dialect, pb ParamBuilder, versions []*string) string {
	var ids []any
	unversioned := false
	for _, v := range versions {
		if v == nil {
			unversioned = true
		} else {
			ids = append(ids, *v)
		}
	}
	var clauses []string
	if len(ids) > 0 {
		clauses = append(clauses, d.InExpr("data_version", pb, ids))
	}
	if unversioned {
		clauses = append(clauses, "data_version IS NULL")
	}
	if len(clauses) == 0 {
		return "1 = 0"
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}

// --- Studies ---

func (s *Store) CreateStudy(ctx context.Context, study *model.Study) error {
	doc, err := encodeDoc(study)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO studies (id, name, current_data_version, doc, created_time) VALUES (%s, %s, %s, %s, %s)`,
		pb.Add(study.ID), pb.Add(study.Name), pb.Add(study.CurrentDataVersion),
		pb.Add(doc), pb.Add(study.Life.CreatedTime),
	)
	_, err = s.DB.ExecContext(ctx, q, pb.Params()...)
	return MapError(s.Dialect, err)
}

func (s *Store) GetStudy(ctx context.Context, studyID string) (*model.Study, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT doc FROM studies WHERE id = %s AND deleted_time IS NULL`,
		pb.Add(studyID),
	)
	var doc []byte
	err := s.DB.QueryRowContext(ctx, q, pb.Params()...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var study model.Study
	if err := decodeDoc(doc, &study); err != nil {
		return nil, err
	}
	return &study, nil
}

// SaveStudy rewrites a study document; used when appending a data version or
// moving the current-version pointer.
func (s *Store) SaveStudy(ctx context.Context, study *model.Study) error {
	doc, err := encodeDoc(study)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`UPDATE studies SET doc = %s, current_data_version = %s, name = %s WHERE id = %s AND deleted_time IS NULL`,
		pb.Add(doc), pb.Add(study.CurrentDataVersion), pb.Add(study.Name), pb.Add(study.ID),
	)
	n, err := Exec(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return MapError(s.Dialect, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteStudy(ctx context.Context, studyID string, deletedTime int64) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`UPDATE studies SET deleted_time = %s WHERE id = %s AND deleted_time IS NULL`,
		pb.Add(deletedTime), pb.Add(studyID),
	)
	n, err := Exec(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Roles ---

func (s *Store) CreateRole(ctx context.Context, role *model.Role) error {
	doc, err := encodeDoc(role)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO roles (id, study_id, doc, created_time) VALUES (%s, %s, %s, %s)`,
		pb.Add(role.ID), pb.Add(role.StudyID), pb.Add(doc), pb.Add(role.Life.CreatedTime),
	)
	_, err = s.DB.ExecContext(ctx, q, pb.Params()...)
	return MapError(s.Dialect, err)
}

func (s *Store) SaveRole(ctx context.Context, role *model.Role) error {
	doc, err := encodeDoc(role)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`UPDATE roles SET doc = %s WHERE id = %s AND deleted_time IS NULL`,
		pb.Add(doc), pb.Add(role.ID),
	)
	n, err := Exec(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RolesForStudy returns all live roles of a study.
func (s *Store) RolesForStudy(ctx context.Context, studyID string) ([]model.Role, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT doc FROM roles WHERE study_id = %s AND deleted_time IS NULL`,
		pb.Add(studyID),
	)
	return s.scanRoles(ctx, q, pb.Params())
}

// RolesForUser returns the live roles of a study that list the user as a
// member. Membership lives in the doc, so rows are filtered after decoding.
func (s *Store) RolesForUser(ctx context.Context, studyID, userID string) ([]model.Role, error) {
	roles, err := s.RolesForStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	var mine []model.Role
	for _, r := range roles {
		for _, u := range r.Users {
			if u == userID {
				mine = append(mine, r)
				break
			}
		}
	}
	return mine, nil
}

// RolesAcrossStudies returns every live role, in any study, that lists the
// user as a member. Backs the study listing.
func (s *Store) RolesAcrossStudies(ctx context.Context, userID string) ([]model.Role, error) {
	roles, err := s.scanRoles(ctx, `SELECT doc FROM roles WHERE deleted_time IS NULL`, nil)
	if err != nil {
		return nil, err
	}
	var mine []model.Role
	for _, r := range roles {
		for _, u := range r.Users {
			if u == userID {
				mine = append(mine, r)
				break
			}
		}
	}
	return mine, nil
}

func (s *Store) scanRoles(ctx context.Context, q string, params []any) ([]model.Role, error) {
	rows, err := s.DB.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var role model.Role
		if err := decodeDoc(doc, &role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// --- Field dictionary ---

func (s *Store) InsertField(ctx context.Context, field *model.Field) error {
	doc, err := encodeDoc(field)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	var deleted any
	if field.Life.DeletedTime != nil {
		deleted = *field.Life.DeletedTime
	}
	q := fmt.Sprintf(
		`INSERT INTO field_dictionary (id, study_id, field_id, data_version, doc, created_time, deleted_time)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(field.ID), pb.Add(field.StudyID), pb.Add(field.FieldID),
		pb.Add(field.DataVersion), pb.Add(doc), pb.Add(field.Life.CreatedTime), pb.Add(deleted),
	)
	_, err = s.DB.ExecContext(ctx, q, pb.Params()...)
	return MapError(s.Dialect, err)
}

// FieldRows returns every dictionary row of a study whose data version is in
// the given set (nil entry selects unversioned rows), ordered by insertion
// time. Callers project latest-per-field-id on top.
func (s *Store) FieldRows(ctx context.Context, studyID string, versions []*string) ([]model.Field, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT doc, data_version FROM field_dictionary WHERE study_id = %s AND %s ORDER BY created_time, id`,
		pb.Add(studyID), versionPredicate(s.Dialect, pb, versions),
	)
	rows, err := s.DB.QueryContext(ctx, q, pb.Params()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []model.Field
	for rows.Next() {
		var doc []byte
		var version sql.NullString
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		var field model.Field
		if err := decodeDoc(doc, &field); err != nil {
			return nil, err
		}
		field.DataVersion = nullableString(version)
		fields = append(fields, field)
	}
	return fields, rows.Err()
}

// StampVersion atomically assigns a new data version: every unversioned
// field and clip row of the study is stamped with the version id and the
// study document (carrying the appended DataVersion and moved pointer) is
// rewritten, all in one transaction.
func (s *Store) StampVersion(ctx context.Context, study *model.Study, versionID string) error {
	doc, err := encodeDoc(study)
	if err != nil {
		return err
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.stampUnversionedFields(ctx, tx, study.ID, versionID); err != nil {
		return err
	}
	if _, err := s.stampUnversionedClips(ctx, tx, study.ID, versionID); err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`UPDATE studies SET doc = %s, current_data_version = %s WHERE id = %s AND deleted_time IS NULL`,
		pb.Add(doc), pb.Add(study.CurrentDataVersion), pb.Add(study.ID),
	)
	n, err := Exec(ctx, tx, q, pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// stampUnversionedFields assigns the given data version to every unversioned
// dictionary row of a study. Returns the number of rows stamped.
func (s *Store) stampUnversionedFields(ctx context.Context, tx *sql.Tx, studyID, versionID string) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`UPDATE field_dictionary SET data_version = %s WHERE study_id = %s AND data_version IS NULL`,
		pb.Add(versionID), pb.Add(studyID),
	)
	return Exec(ctx, tx, q, pb.Params()...)
}

// --- Data clips ---

// InsertClips appends a batch of clips in one transaction.
func (s *Store) InsertClips(ctx context.Context, clips []*model.DataClip) error {
	if len(clips) == 0 {
		return nil
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, clip := range clips {
		doc, err := encodeDoc(clip)
		if err != nil {
			return err
		}
		pb := s.Dialect.NewParamBuilder()
		var deleted any
		if clip.Life.DeletedTime != nil {
			deleted = *clip.Life.DeletedTime
		}
		q := fmt.Sprintf(
			`INSERT INTO data_records (id, study_id, field_id, data_version, doc, created_time, deleted_time)
			 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(clip.ID), pb.Add(clip.StudyID), pb.Add(clip.FieldID),
			pb.Add(clip.DataVersion), pb.Add(doc), pb.Add(clip.Life.CreatedTime), pb.Add(deleted),
		)
		if _, err := tx.ExecContext(ctx, q, pb.Params()...); err != nil {
			return MapError(s.Dialect, err)
		}
	}
	return tx.Commit()
}

// ClipRows returns every clip row of a study in the given version set,
// optionally narrowed to a field-id list, ordered by insertion time.
func (s *Store) ClipRows(ctx context.Context, studyID string, versions []*string, fieldIDs []string) ([]model.DataClip, error) {
	pb := s.Dialect.NewParamBuilder()
	where := []string{
		fmt.Sprintf("study_id = %s", pb.Add(studyID)),
		versionPredicate(s.Dialect, pb, versions),
	}
	if len(fieldIDs) > 0 {
		vals := make([]any, len(fieldIDs))
		for i, id := range fieldIDs {
			vals[i] = id
		}
		where = append(where, s.Dialect.InExpr("field_id", pb, vals))
	}
	q := fmt.Sprintf(
		`SELECT doc, data_version FROM data_records WHERE %s ORDER BY created_time, id`,
		strings.Join(where, " AND "),
	)
	rows, err := s.DB.QueryContext(ctx, q, pb.Params()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clips []model.DataClip
	for rows.Next() {
		var doc []byte
		var version sql.NullString
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		var clip model.DataClip
		if err := decodeDoc(doc, &clip); err != nil {
			return nil, err
		}
		clip.DataVersion = nullableString(version)
		clips = append(clips, clip)
	}
	return clips, rows.Err()
}

// stampUnversionedClips assigns the given data version to every unversioned
// clip of a study. Returns the number of rows stamped.
func (s *Store) stampUnversionedClips(ctx context.Context, tx *sql.Tx, studyID, versionID string) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`UPDATE data_records SET data_version = %s WHERE study_id = %s AND data_version IS NULL`,
		pb.Add(versionID), pb.Add(studyID),
	)
	return Exec(ctx, tx, q, pb.Params()...)
}

// --- Cache entries ---

func (s *Store) InsertCacheEntry(ctx context.Context, entry *model.CacheEntry) error {
	doc, err := encodeDoc(entry)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO cache_entries (id, study_id, key_hash, status, uri, doc, created_time)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(entry.ID), pb.Add(entry.StudyID), pb.Add(entry.KeyHash),
		pb.Add(string(entry.Status)), pb.Add(entry.URI), pb.Add(doc), pb.Add(entry.Life.CreatedTime),
	)
	_, err = s.DB.ExecContext(ctx, q, pb.Params()...)
	return MapError(s.Dialect, err)
}

// LatestCacheEntry returns the newest live cache row for a key hash,
// regardless of status. ErrNotFound when the key was never cached.
func (s *Store) LatestCacheEntry(ctx context.Context, studyID, keyHash string) (*model.CacheEntry, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT doc FROM cache_entries
		 WHERE study_id = %s AND key_hash = %s AND deleted_time IS NULL
		 ORDER BY created_time DESC, id DESC LIMIT 1`,
		pb.Add(studyID), pb.Add(keyHash),
	)
	var doc []byte
	err := s.DB.QueryRowContext(ctx, q, pb.Params()...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry model.CacheEntry
	if err := decodeDoc(doc, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkStudyCacheOutdated flips every in-use cache row of a study to OUTDATED.
func (s *Store) MarkStudyCacheOutdated(ctx context.Context, studyID string) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`UPDATE cache_entries SET status = %s WHERE study_id = %s AND status = %s AND deleted_time IS NULL`,
		pb.Add(string(model.CacheOutdated)), pb.Add(studyID), pb.Add(string(model.CacheInUse)),
	)
	return Exec(ctx, s.DB, q, pb.Params()...)
}

// --- File entries ---

func (s *Store) InsertFileEntry(ctx context.Context, entry *model.FileEntry) error {
	doc, err := encodeDoc(entry)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO study_files (id, study_id, doc, created_time) VALUES (%s, %s, %s, %s)`,
		pb.Add(entry.ID), pb.Add(entry.StudyID), pb.Add(doc), pb.Add(entry.Life.CreatedTime),
	)
	_, err = s.DB.ExecContext(ctx, q, pb.Params()...)
	return MapError(s.Dialect, err)
}

func (s *Store) GetFileEntry(ctx context.Context, fileID string) (*model.FileEntry, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`SELECT doc FROM study_files WHERE id = %s AND deleted_time IS NULL`,
		pb.Add(fileID),
	)
	var doc []byte
	err := s.DB.QueryRowContext(ctx, q, pb.Params()...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry model.FileEntry
	if err := decodeDoc(doc, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
