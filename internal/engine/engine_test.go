package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"studybroker/internal/cache"
	"studybroker/internal/formula"
	"studybroker/internal/model"
	"studybroker/internal/objstore"
	"studybroker/internal/pipeline"
	"studybroker/internal/store"
	"studybroker/internal/verifier"
)

// memRepo is an in-memory document store satisfying every engine repo
// interface. Rows keep insertion order, matching the store's ordering.
type memRepo struct {
	studies map[string]model.Study
	names   map[string]bool
	roles   []model.Role
	fields  []model.Field
	clips   []model.DataClip
	files   map[string]model.FileEntry
}

func newMemRepo() *memRepo {
	return &memRepo{
		studies: make(map[string]model.Study),
		names:   make(map[string]bool),
		files:   make(map[string]model.FileEntry),
	}
}

func (m *memRepo) CreateStudy(_ context.Context, study *model.Study) error {
	if m.names[study.Name] {
		return store.ErrUniqueViolation
	}
	m.names[study.Name] = true
	m.studies[study.ID] = *study
	return nil
}

func (m *memRepo) GetStudy(_ context.Context, studyID string) (*model.Study, error) {
	study, ok := m.studies[studyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := study
	cp.DataVersions = append([]model.DataVersion(nil), study.DataVersions...)
	return &cp, nil
}

func (m *memRepo) SaveStudy(_ context.Context, study *model.Study) error {
	m.studies[study.ID] = *study
	return nil
}

func (m *memRepo) StampVersion(_ context.Context, study *model.Study, versionID string) error {
	for i := range m.fields {
		if m.fields[i].StudyID == study.ID && m.fields[i].DataVersion == nil {
			v := versionID
			m.fields[i].DataVersion = &v
		}
	}
	for i := range m.clips {
		if m.clips[i].StudyID == study.ID && m.clips[i].DataVersion == nil {
			v := versionID
			m.clips[i].DataVersion = &v
		}
	}
	m.studies[study.ID] = *study
	return nil
}

func (m *memRepo) CreateRole(_ context.Context, role *model.Role) error {
	m.roles = append(m.roles, *role)
	return nil
}

func (m *memRepo) SaveRole(_ context.Context, role *model.Role) error {
	for i := range m.roles {
		if m.roles[i].ID == role.ID {
			m.roles[i] = *role
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memRepo) RolesForStudy(_ context.Context, studyID string) ([]model.Role, error) {
	var out []model.Role
	for _, r := range m.roles {
		if r.StudyID == studyID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) RolesForUser(_ context.Context, studyID, userID string) ([]model.Role, error) {
	var out []model.Role
	for _, r := range m.roles {
		if r.StudyID != studyID {
			continue
		}
		for _, u := range r.Users {
			if u == userID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) RolesAcrossStudies(_ context.Context, userID string) ([]model.Role, error) {
	var out []model.Role
	for _, r := range m.roles {
		for _, u := range r.Users {
			if u == userID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) InsertField(_ context.Context, field *model.Field) error {
	m.fields = append(m.fields, *field)
	return nil
}

func (m *memRepo) FieldRows(_ context.Context, studyID string, versions []*string) ([]model.Field, error) {
	var out []model.Field
	for _, f := range m.fields {
		if f.StudyID == studyID && versionInSet(f.DataVersion, versions) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memRepo) InsertClips(_ context.Context, clips []*model.DataClip) error {
	for _, c := range clips {
		m.clips = append(m.clips, *c)
	}
	return nil
}

func (m *memRepo) ClipRows(_ context.Context, studyID string, versions []*string, fieldIDs []string) ([]model.DataClip, error) {
	var out []model.DataClip
	for _, c := range m.clips {
		if c.StudyID != studyID || !versionInSet(c.DataVersion, versions) {
			continue
		}
		if fieldIDs != nil && !containsStr(fieldIDs, c.FieldID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memRepo) InsertFileEntry(_ context.Context, entry *model.FileEntry) error {
	m.files[entry.ID] = *entry
	return nil
}

func (m *memRepo) GetFileEntry(_ context.Context, fileID string) (*model.FileEntry, error) {
	entry, ok := m.files[fileID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func versionInSet(v *string, set []*string) bool {
	for _, s := range set {
		if s == nil && v == nil {
			return true
		}
		if s != nil && v != nil && *s == *v {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// memCacheRows indexes cache entries for the engine's cache service.
type memCacheRows struct {
	entries []*model.CacheEntry
}

func (m *memCacheRows) InsertCacheEntry(_ context.Context, entry *model.CacheEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memCacheRows) LatestCacheEntry(_ context.Context, studyID, keyHash string) (*model.CacheEntry, error) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.StudyID == studyID && e.KeyHash == keyHash {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memCacheRows) MarkStudyCacheOutdated(_ context.Context, studyID string) (int64, error) {
	var n int64
	for _, e := range m.entries {
		if e.StudyID == studyID && e.Status == model.CacheInUse {
			e.Status = model.CacheOutdated
			n++
		}
	}
	return n, nil
}

var (
	admin  = model.Requester{ID: "admin"}
	reader = model.Requester{ID: "reader"}
)

// newTestEngine wires an engine onto in-memory stores and creates one
// study with admin as its manager.
func newTestEngine(t *testing.T) (*Engine, *memRepo, *model.Study) {
	t.Helper()
	repo := newMemRepo()
	objects := objstore.NewMemoryStore()
	cacheSvc := cache.New(&memCacheRows{}, objects)
	e := New(Repos{Studies: repo, Roles: repo, Fields: repo, Clips: repo, Files: repo}, cacheSvc, objects)

	study, err := e.CreateStudy(context.Background(), admin, t.Name(), "")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	return e, repo, study
}

// addReaderRole grants reader read-only access over every field, without
// unversioned visibility.
func addReaderRole(t *testing.T, e *Engine, studyID string) {
	t.Helper()
	_, err := e.CreateRole(context.Background(), admin, model.Role{
		StudyID: studyID,
		Name:    "reader",
		DataPermissions: []model.DataPermission{{
			Fields:     []string{"^.*$"},
			Permission: 4,
		}},
		Users: []string{reader.ID},
	})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
}

func addField(t *testing.T, e *Engine, studyID string, input FieldInput) *model.Field {
	t.Helper()
	field, err := e.CreateField(context.Background(), admin, studyID, input)
	if err != nil {
		t.Fatalf("CreateField %s: %v", input.FieldID, err)
	}
	return field
}

func appError(t *testing.T, err error) *AppError {
	t.Helper()
	var app *AppError
	if !errors.As(err, &app) {
		t.Fatalf("expected *AppError, got %T: %v", err, err)
	}
	return app
}

func TestCreateStudyGrantsManagerRole(t *testing.T) {
	_, repo, study := newTestEngine(t)

	if study.CurrentDataVersion != -1 {
		t.Fatalf("new study must have no current version, got %d", study.CurrentDataVersion)
	}
	roles, _ := repo.RolesForUser(context.Background(), study.ID, admin.ID)
	if len(roles) != 1 {
		t.Fatalf("expected one creator role, got %d", len(roles))
	}
	perm := roles[0].DataPermissions[0]
	if perm.Permission != 7 || !perm.IncludeUnVersioned || perm.Fields[0] != "^.*$" {
		t.Fatalf("creator role must grant full access: %+v", perm)
	}
}

func TestCreateStudyValidation(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateStudy(ctx, admin, "  ", "")
	if got := appError(t, err); got.Message != "Study name must not be empty." {
		t.Fatalf("message = %q", got.Message)
	}

	_, err = e.CreateStudy(ctx, admin, study.Name, "")
	got := appError(t, err)
	if got.Code != "CONFLICT" || got.Message != "Study name has been used." {
		t.Fatalf("duplicate name: %+v", got)
	}
}

func TestListStudiesFollowsMembership(t *testing.T) {
	e, _, study := newTestEngine(t)
	addReaderRole(t, e, study.ID)
	ctx := context.Background()

	other, err := e.CreateStudy(ctx, admin, t.Name()+"-other", "")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}

	mine, err := e.ListStudies(ctx, admin)
	if err != nil {
		t.Fatalf("ListStudies: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("admin studies = %d, want 2", len(mine))
	}

	theirs, err := e.ListStudies(ctx, reader)
	if err != nil {
		t.Fatalf("ListStudies: %v", err)
	}
	if len(theirs) != 1 || theirs[0].ID != study.ID {
		t.Fatalf("reader studies = %v, other=%s", theirs, other.ID)
	}

	none, err := e.ListStudies(ctx, model.Requester{ID: "stranger"})
	if err != nil {
		t.Fatalf("ListStudies: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("stranger studies = %v", none)
	}
}

func TestMissingAndDeniedStudiesLookAlike(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	_, missingErr := e.GetStudy(ctx, admin, "no-such-study")
	_, deniedErr := e.GetStudy(ctx, model.Requester{ID: "stranger"}, study.ID)

	missing, denied := appError(t, missingErr), appError(t, deniedErr)
	if missing.Code != "PERMISSION_DENIED" || denied.Code != "PERMISSION_DENIED" {
		t.Fatalf("codes = %q, %q", missing.Code, denied.Code)
	}
	if missing.Message != denied.Message {
		t.Fatalf("a missing study must not be distinguishable: %q vs %q", missing.Message, denied.Message)
	}
	if !errors.Is(missingErr, ErrStudyNotFound) {
		t.Fatal("missing study must wrap ErrStudyNotFound")
	}
	if errors.Is(deniedErr, ErrStudyNotFound) {
		t.Fatal("denied study must not wrap ErrStudyNotFound")
	}
}

func TestCreateFieldValidation(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input FieldInput
		want  string
	}{
		{"empty fieldId", FieldInput{FieldName: "n", DataType: model.TypeInteger},
			"fieldId should not be empty."},
		{"empty fieldName", FieldInput{FieldID: "f1", DataType: model.TypeInteger},
			"fieldName should not be empty."},
		{"empty dataType", FieldInput{FieldID: "f1", FieldName: "n"},
			"dataType should not be empty."},
		{"bad characters", FieldInput{FieldID: "f-1", FieldName: "n", DataType: model.TypeInteger},
			"FieldId should contain letters, numbers and _ only."},
		{"categorical without options", FieldInput{FieldID: "f1", FieldName: "n", DataType: model.TypeCategorical},
			"f1-n: possible values can't be empty if data type is categorical."},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := e.CreateField(ctx, admin, study.ID, c.input)
			got := appError(t, err)
			if got.Code != "VALIDATION_FAILED" || got.Message != c.want {
				t.Fatalf("got %q, want %q", got.Message, c.want)
			}
		})
	}

	_, err := e.CreateField(ctx, admin, study.ID, FieldInput{FieldID: "f1", FieldName: "n", DataType: "FLOAT"})
	if got := appError(t, err); !strings.HasPrefix(got.Message, "Data type shouldn't be FLOAT:") {
		t.Fatalf("unknown type message = %q", got.Message)
	}
}

func TestEditFieldMergesUnsetParts(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{
		FieldID: "weight", FieldName: "Weight", DataType: model.TypeDecimal, Unit: "kg",
	})

	edited, err := e.EditField(ctx, admin, study.ID, FieldInput{
		FieldID: "weight", Description: "body weight at visit",
	})
	if err != nil {
		t.Fatalf("EditField: %v", err)
	}
	if edited.FieldName != "Weight" || edited.DataType != model.TypeDecimal || edited.Unit != "kg" {
		t.Fatalf("unset parts must inherit: %+v", edited)
	}
	if edited.Description != "body weight at visit" {
		t.Fatalf("description = %q", edited.Description)
	}

	_, err = e.EditField(ctx, admin, study.ID, FieldInput{FieldID: "unknown"})
	if got := appError(t, err); got.Code != "NOT_FOUND" {
		t.Fatalf("editing an unknown field: %+v", got)
	}
}

func TestDeleteFieldAppendsTombstone(t *testing.T) {
	e, repo, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{FieldID: "f1", FieldName: "n", DataType: model.TypeInteger})
	if err := e.DeleteField(ctx, admin, study.ID, "f1"); err != nil {
		t.Fatalf("DeleteField: %v", err)
	}

	if len(repo.fields) != 2 {
		t.Fatalf("deletion must append a row, log holds %d", len(repo.fields))
	}
	fields, err := e.ListFields(ctx, admin, study.ID, nil)
	if err != nil {
		t.Fatalf("ListFields: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("deleted field still listed: %v", fields)
	}

	err = e.DeleteField(ctx, admin, study.ID, "unknown")
	if got := appError(t, err); got.Code != "NOT_FOUND" {
		t.Fatalf("deleting an unknown field: %+v", got)
	}
}

func TestUploadDataPartialFailure(t *testing.T) {
	e, repo, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{FieldID: "age", FieldName: "Age", DataType: model.TypeInteger})
	addField(t, e, study.ID, FieldInput{
		FieldID: "sex", FieldName: "Sex", DataType: model.TypeCategorical,
		CategoricalOptions: []model.CategoricalOption{{Code: "M"}, {Code: "F"}},
	})

	results, err := e.UploadData(ctx, admin, study.ID, []DataInput{
		{FieldID: "age", Value: "42"},
		{FieldID: "age", Value: "forty-two"},
		{FieldID: "sex", Value: "X"},
		{FieldID: "missing", Value: "1"},
	})
	if err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}

	if !results[0].Successful || results[0].Description != "Field age value 42 successfully uploaded." {
		t.Fatalf("result 0: %+v", results[0])
	}
	if results[1].Successful || results[1].Description != "Field age: Cannot parse as integer." {
		t.Fatalf("result 1: %+v", results[1])
	}
	if results[2].Successful || results[2].Description != "Field sex: Cannot parse as categorical, value not in value list." {
		t.Fatalf("result 2: %+v", results[2])
	}
	if results[3].Successful || results[3].Description != "Field missing: Field not found" {
		t.Fatalf("result 3: %+v", results[3])
	}

	if len(repo.clips) != 1 {
		t.Fatalf("only passing clips may land, log holds %d", len(repo.clips))
	}
	if v, ok := repo.clips[0].Value.(int64); !ok || v != 42 {
		t.Fatalf("integer value must be parsed, got %T %v", repo.clips[0].Value, repo.clips[0].Value)
	}
	if repo.clips[0].DataVersion != nil {
		t.Fatal("uploads must land unversioned")
	}
}

func TestUploadDataVerifiers(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	nonNegative := verifier.Spec{{{Formula: formula.Self(), Condition: verifier.NumericalNotLessThan, Value: 0}}}
	subjectPattern := verifier.Spec{{{Formula: formula.Self(), Condition: verifier.StringRegexMatch, Value: "^I.*$"}}}
	addField(t, e, study.ID, FieldInput{
		FieldID: "hr", FieldName: "Heart rate", DataType: model.TypeInteger,
		Verifier: nonNegative,
		Properties: []model.PropertySpec{
			{Name: "SubjectId", Required: true, Verifier: subjectPattern},
		},
	})

	results, err := e.UploadData(ctx, admin, study.ID, []DataInput{
		{FieldID: "hr", Value: "72", Properties: map[string]string{"SubjectId": "I7N3G6"}},
		{FieldID: "hr", Value: "-5", Properties: map[string]string{"SubjectId": "I7N3G6"}},
		{FieldID: "hr", Value: "72"},
		{FieldID: "hr", Value: "72", Properties: map[string]string{"SubjectId": "K7N3G6"}},
	})
	if err != nil {
		t.Fatalf("UploadData: %v", err)
	}

	if !results[0].Successful {
		t.Fatalf("result 0: %+v", results[0])
	}
	if results[1].Description != "Field hr value -5: Failed to pass the verifier." {
		t.Fatalf("result 1: %+v", results[1])
	}
	if results[2].Description != "Field hr: Property SubjectId is required." {
		t.Fatalf("result 2: %+v", results[2])
	}
	if results[3].Description != "Field hr value K7N3G6: Property SubjectId failed to pass the verifier." {
		t.Fatalf("result 3: %+v", results[3])
	}
}

func TestUploadDataPermissionPerItem(t *testing.T) {
	e, _, study := newTestEngine(t)
	addReaderRole(t, e, study.ID)
	addField(t, e, study.ID, FieldInput{FieldID: "f1", FieldName: "n", DataType: model.TypeInteger})

	results, err := e.UploadData(context.Background(), reader, study.ID, []DataInput{
		{FieldID: "f1", Value: "1"},
	})
	if err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if results[0].Successful || results[0].Code != "PERMISSION_DENIED" {
		t.Fatalf("read-only member must be denied per item: %+v", results[0])
	}
}

func TestGetDataLatestPerIdentity(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{
		FieldID: "hr", FieldName: "Heart rate", DataType: model.TypeInteger,
		Properties: []model.PropertySpec{{Name: "SubjectId", Required: true}},
	})

	_, err := e.UploadData(ctx, admin, study.ID, []DataInput{
		{FieldID: "hr", Value: "70", Properties: map[string]string{"SubjectId": "I1"}},
		{FieldID: "hr", Value: "75", Properties: map[string]string{"SubjectId": "I1"}},
		{FieldID: "hr", Value: "60", Properties: map[string]string{"SubjectId": "I2"}},
	})
	if err != nil {
		t.Fatalf("UploadData: %v", err)
	}

	out, err := e.GetData(ctx, admin, study.ID, GetDataOptions{})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	records := out.([]pipeline.Record)
	if len(records) != 2 {
		t.Fatalf("expected one record per identity, got %d", len(records))
	}
	byVal := map[string]int64{}
	for _, r := range records {
		props := r["properties"].(map[string]any)
		byVal[props["SubjectId"].(string)] = r["value"].(int64)
	}
	if byVal["I1"] != 75 || byVal["I2"] != 60 {
		t.Fatalf("latest per identity mismatch: %v", byVal)
	}
}

func TestDeleteDataShadowsIdentity(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{
		FieldID: "hr", FieldName: "Heart rate", DataType: model.TypeInteger,
		Properties: []model.PropertySpec{{Name: "SubjectId", Required: true}},
	})
	props := map[string]string{"SubjectId": "I1"}
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "hr", Value: "70", Properties: props}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if err := e.DeleteData(ctx, admin, study.ID, "hr", props); err != nil {
		t.Fatalf("DeleteData: %v", err)
	}

	out, err := e.GetData(ctx, admin, study.ID, GetDataOptions{})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if records := out.([]pipeline.Record); len(records) != 0 {
		t.Fatalf("deleted identity still visible: %v", records)
	}

	// A later upload revives the identity.
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "hr", Value: "80", Properties: props}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	out, err = e.GetData(ctx, admin, study.ID, GetDataOptions{})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	records := out.([]pipeline.Record)
	if len(records) != 1 || records[0]["value"].(int64) != 80 {
		t.Fatalf("re-upload after delete: %v", records)
	}
}

func TestCreateDataVersion(t *testing.T) {
	e, _, study := newTestEngine(t)
	addReaderRole(t, e, study.ID)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{FieldID: "f1", FieldName: "n", DataType: model.TypeInteger})
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "f1", Value: "1"}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}

	// Unversioned data is invisible without the unversioned grant.
	out, err := e.GetData(ctx, reader, study.ID, GetDataOptions{})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if records := out.([]pipeline.Record); len(records) != 0 {
		t.Fatalf("reader must not see unversioned data: %v", records)
	}

	_, err = e.CreateDataVersion(ctx, reader, study.ID, "1.0", "")
	if got := appError(t, err); got.Message != "Only admin or study manager can create a study version." {
		t.Fatalf("reader version creation: %+v", got)
	}
	_, err = e.CreateDataVersion(ctx, admin, study.ID, "v1", "")
	if got := appError(t, err); got.Message != "Version must be a float number." {
		t.Fatalf("malformed version: %+v", got)
	}

	dv, err := e.CreateDataVersion(ctx, admin, study.ID, "1.0", "baseline")
	if err != nil {
		t.Fatalf("CreateDataVersion: %v", err)
	}
	if dv.Version != "1.0" || dv.Tag != "baseline" {
		t.Fatalf("version = %+v", dv)
	}

	out, err = e.GetData(ctx, reader, study.ID, GetDataOptions{})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if records := out.([]pipeline.Record); len(records) != 1 {
		t.Fatalf("stamped data must be visible to the reader: %v", records)
	}

	_, err = e.CreateDataVersion(ctx, admin, study.ID, "1.0", "")
	if got := appError(t, err); got.Message != "Version has been used." {
		t.Fatalf("duplicate version: %+v", got)
	}
	_, err = e.CreateDataVersion(ctx, admin, study.ID, "2.0", "")
	if got := appError(t, err); got.Message != "Nothing to update." {
		t.Fatalf("empty version: %+v", got)
	}
}

func TestSetCurrentVersionRollsBackReads(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{FieldID: "f1", FieldName: "n", DataType: model.TypeInteger})
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "f1", Value: "1"}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	v1, err := e.CreateDataVersion(ctx, admin, study.ID, "1.0", "")
	if err != nil {
		t.Fatalf("CreateDataVersion 1.0: %v", err)
	}
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "f1", Value: "2"}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if _, err := e.CreateDataVersion(ctx, admin, study.ID, "2.0", ""); err != nil {
		t.Fatalf("CreateDataVersion 2.0: %v", err)
	}

	_, err = e.SetCurrentVersion(ctx, admin, study.ID, "no-such-version")
	if got := appError(t, err); got.Message != "Data version does not exist." {
		t.Fatalf("unknown version id: %+v", got)
	}

	msg, err := e.SetCurrentVersion(ctx, admin, study.ID, v1.ID)
	if err != nil {
		t.Fatalf("SetCurrentVersion: %v", err)
	}
	want := fmt.Sprintf("Data version 1.0 has been set as the current version of study %s.", study.Name)
	if msg != want {
		t.Fatalf("msg = %q, want %q", msg, want)
	}

	out, err := e.GetData(ctx, admin, study.ID, GetDataOptions{})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	records := out.([]pipeline.Record)
	if len(records) != 1 || records[0]["value"].(int64) != 1 {
		t.Fatalf("rollback must hide later versions: %v", records)
	}
}

func TestGetDataVersionSelection(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{FieldID: "f1", FieldName: "n", DataType: model.TypeInteger})
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "f1", Value: "1"}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if _, err := e.CreateDataVersion(ctx, admin, study.ID, "1.0", ""); err != nil {
		t.Fatalf("CreateDataVersion 1.0: %v", err)
	}
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "f1", Value: "2"}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if _, err := e.CreateDataVersion(ctx, admin, study.ID, "2.0", ""); err != nil {
		t.Fatalf("CreateDataVersion 2.0: %v", err)
	}

	first := "1.0"
	out, err := e.GetData(ctx, admin, study.ID, GetDataOptions{DataVersion: &first})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	records := out.([]pipeline.Record)
	if len(records) != 1 || records[0]["value"].(int64) != 1 {
		t.Fatalf("version-pinned read: %v", records)
	}

	unknown := "9.0"
	_, err = e.GetData(ctx, admin, study.ID, GetDataOptions{DataVersion: &unknown})
	if got := appError(t, err); got.Code != "NOT_FOUND" {
		t.Fatalf("unknown version: %+v", got)
	}
}

func TestGetDataCaching(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{FieldID: "f1", FieldName: "n", DataType: model.TypeInteger})
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "f1", Value: "1"}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}

	out, err := e.GetData(ctx, admin, study.ID, GetDataOptions{UseCache: true})
	if err != nil {
		t.Fatalf("GetData (miss): %v", err)
	}
	if n := recordCount(out); n != 1 {
		t.Fatalf("first read: %d records", n)
	}

	// Uploads do not invalidate; the cached result stays as-is until a
	// version event or a forced update.
	addField(t, e, study.ID, FieldInput{FieldID: "f2", FieldName: "n", DataType: model.TypeInteger})
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{{FieldID: "f2", Value: "2"}}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}

	out, err = e.GetData(ctx, admin, study.ID, GetDataOptions{UseCache: true})
	if err != nil {
		t.Fatalf("GetData (hit): %v", err)
	}
	if n := recordCount(out); n != 1 {
		t.Fatalf("cached read must serve the stale result, got %d records", n)
	}

	out, err = e.GetData(ctx, admin, study.ID, GetDataOptions{UseCache: true, ForceUpdate: true})
	if err != nil {
		t.Fatalf("GetData (force): %v", err)
	}
	if n := recordCount(out); n != 2 {
		t.Fatalf("forced update must recompute, got %d records", n)
	}
}

// recordCount counts records whether the value is freshly computed or
// decoded from a cache blob.
func recordCount(out any) int {
	switch v := out.(type) {
	case []pipeline.Record:
		return len(v)
	case []any:
		return len(v)
	}
	return -1
}

func TestGenVersioningAggregation(t *testing.T) {
	records := []pipeline.Record{
		{"fieldId": "f1", "value": int64(1), "properties": map[string]any{"SubjectId": "I1"},
			"dataVersion": "v1", "life": map[string]any{"createdTime": int64(1), "deletedTime": nil}},
		{"fieldId": "f1", "value": int64(2), "properties": map[string]any{"SubjectId": "I1"},
			"dataVersion": "v1", "life": map[string]any{"createdTime": int64(2), "deletedTime": nil}},
		{"fieldId": "f1", "value": nil, "properties": map[string]any{"SubjectId": "I2"},
			"dataVersion": "v1", "life": map[string]any{"createdTime": int64(3), "deletedTime": int64(5)}},
		{"fieldId": "f1", "value": int64(9), "properties": map[string]any{"SubjectId": "I3"},
			"dataVersion": nil, "life": map[string]any{"createdTime": int64(4), "deletedTime": nil}},
	}

	ops := GenVersioningAggregation([]string{"fieldId", "properties.SubjectId"}, false)
	out, err := pipeline.Aggregate(records, pipeline.Aggregation{"clinical": ops})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	// The unversioned row and the delete-shadowed identity are gone; only
	// the newest I1 row survives.
	survivors := out["clinical"].([]pipeline.Record)
	if len(survivors) != 1 {
		t.Fatalf("expected a single surviving record, got %v", survivors)
	}
	if survivors[0]["value"].(int64) != 2 {
		t.Fatalf("newest row must win: %v", survivors[0])
	}
}

func TestRoleManagement(t *testing.T) {
	e, _, study := newTestEngine(t)
	addReaderRole(t, e, study.ID)
	ctx := context.Background()

	_, err := e.CreateRole(ctx, reader, model.Role{StudyID: study.ID, Name: "x"})
	if got := appError(t, err); got.Code != "PERMISSION_DENIED" {
		t.Fatalf("reader creating roles: %+v", got)
	}

	role, err := e.CreateRole(ctx, admin, model.Role{
		StudyID: study.ID, Name: "analysts",
		DataPermissions: []model.DataPermission{{Fields: []string{"^lab_.*$"}, Permission: 4}},
	})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.ID == "" || role.Users == nil {
		t.Fatalf("role not normalized: %+v", role)
	}

	role.Users = []string{"analyst1"}
	if err := e.EditRole(ctx, admin, *role); err != nil {
		t.Fatalf("EditRole: %v", err)
	}
	err = e.EditRole(ctx, admin, model.Role{ID: "ghost", StudyID: study.ID})
	if got := appError(t, err); got.Code != "NOT_FOUND" {
		t.Fatalf("editing unknown role: %+v", got)
	}
}

func TestListFieldsHonorsFieldPatterns(t *testing.T) {
	e, _, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{FieldID: "lab_hb", FieldName: "n", DataType: model.TypeInteger})
	addField(t, e, study.ID, FieldInput{FieldID: "vitals_hr", FieldName: "n", DataType: model.TypeInteger})

	_, err := e.CreateRole(ctx, admin, model.Role{
		StudyID: study.ID, Name: "lab",
		DataPermissions: []model.DataPermission{{
			Fields: []string{"^lab_.*$"}, Permission: 4, IncludeUnVersioned: true,
		}},
		Users: []string{reader.ID},
	})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	fields, err := e.ListFields(ctx, reader, study.ID, nil)
	if err != nil {
		t.Fatalf("ListFields: %v", err)
	}
	if len(fields) != 1 || fields[0].FieldID != "lab_hb" {
		t.Fatalf("field visibility: %v", fields)
	}
}

func TestGetStudySummary(t *testing.T) {
	e, _, study := newTestEngine(t)
	addReaderRole(t, e, study.ID)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{
		FieldID: "hr", FieldName: "n", DataType: model.TypeInteger,
		Properties: []model.PropertySpec{{Name: "SubjectId", Required: true}},
	})
	props := map[string]string{"SubjectId": "I1"}
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{
		{FieldID: "hr", Value: "70", Properties: props},
		{FieldID: "hr", Value: "71", Properties: map[string]string{"SubjectId": "I2"}},
	}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if err := e.DeleteData(ctx, admin, study.ID, "hr", props); err != nil {
		t.Fatalf("DeleteData: %v", err)
	}
	if _, err := e.CreateDataVersion(ctx, admin, study.ID, "1.0", ""); err != nil {
		t.Fatalf("CreateDataVersion: %v", err)
	}
	if _, err := e.UploadData(ctx, admin, study.ID, []DataInput{
		{FieldID: "hr", Value: "72", Properties: props},
	}); err != nil {
		t.Fatalf("UploadData: %v", err)
	}

	_, err := e.GetStudySummary(ctx, reader, study.ID, false, false)
	if got := appError(t, err); got.Code != "PERMISSION_DENIED" {
		t.Fatalf("summary must require manage access: %+v", got)
	}

	summary, err := e.GetStudySummary(ctx, admin, study.ID, false, false)
	if err != nil {
		t.Fatalf("GetStudySummary: %v", err)
	}
	checks := map[string]int{
		"numberOfDataRecords":        4,
		"numberOfDataAdds":           3,
		"numberOfDataDeletes":        1,
		"numberOfVersionedRecords":   3,
		"numberOfVersionedDeletes":   1,
		"numberOfUnversionedRecords": 1,
		"numberOfFields":             1,
	}
	for key, want := range checks {
		if got := summary[key].(int); got != want {
			t.Fatalf("%s = %d, want %d", key, got, want)
		}
	}
	if summary["currentDataVersion"].(int) != 0 {
		t.Fatalf("currentDataVersion = %v", summary["currentDataVersion"])
	}
}

func TestFileUploadRoundTrip(t *testing.T) {
	e, repo, study := newTestEngine(t)
	ctx := context.Background()

	addField(t, e, study.ID, FieldInput{FieldID: "scan", FieldName: "Scan", DataType: model.TypeFile})
	addField(t, e, study.ID, FieldInput{FieldID: "age", FieldName: "Age", DataType: model.TypeInteger})

	content := []byte("subject,value\nI1,70\n")
	entry, err := e.UploadFileData(ctx, admin, study.ID, "scan", "visit1.csv", content, map[string]string{"SubjectId": "I1"})
	if err != nil {
		t.Fatalf("UploadFileData: %v", err)
	}
	if entry.FileSize != int64(len(content)) || entry.FileName != "visit1.csv" || entry.Hash == "" {
		t.Fatalf("entry = %+v", entry)
	}

	// The clip carries the entry id and the FileName property.
	clip := repo.clips[len(repo.clips)-1]
	if clip.Value != entry.ID || clip.Properties["FileName"] != "visit1.csv" {
		t.Fatalf("file clip = %+v", clip)
	}

	files, err := e.GetStudyFiles(ctx, admin, study.ID)
	if err != nil {
		t.Fatalf("GetStudyFiles: %v", err)
	}
	if len(files) != 1 || files[0].ID != entry.ID {
		t.Fatalf("files = %v", files)
	}

	got, payload, err := e.DownloadFile(ctx, admin, study.ID, entry.ID)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if got.ID != entry.ID || string(payload) != string(content) {
		t.Fatal("downloaded payload mismatch")
	}

	_, err = e.UploadFileData(ctx, admin, study.ID, "scan", "tool.exe", content, nil)
	if got := appError(t, err); got.Message != "File type EXE not supported." {
		t.Fatalf("extension whitelist: %+v", got)
	}
	_, err = e.UploadFileData(ctx, admin, study.ID, "age", "data.csv", content, nil)
	if got := appError(t, err); got.Message != "Field age is not a file field." {
		t.Fatalf("non-file field: %+v", got)
	}
	_, _, err = e.DownloadFile(ctx, admin, study.ID, "no-such-file")
	if got := appError(t, err); got.Code != "NOT_FOUND" {
		t.Fatalf("unknown file: %+v", got)
	}
}
