package engine

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"studybroker/internal/model"
	"studybroker/internal/permission"
	"studybroker/internal/verifier"
)

var fieldIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]*$`)

// FieldInput carries a field declaration from the caller.
type FieldInput struct {
	FieldID            string                    `json:"fieldId"`
	FieldName          string                    `json:"fieldName"`
	Description        string                    `json:"description,omitempty"`
	DataType           model.DataType            `json:"dataType"`
	CategoricalOptions []model.CategoricalOption `json:"categoricalOptions,omitempty"`
	Unit               string                    `json:"unit,omitempty"`
	Comments           string                    `json:"comments,omitempty"`
	Verifier           verifier.Spec             `json:"verifier,omitempty"`
	Properties         []model.PropertySpec      `json:"properties,omitempty"`
	Metadata           map[string]any            `json:"metadata,omitempty"`
}

// CreateField appends a field-dictionary row. A fieldId that already exists
// is not an error: the new row supersedes the old at read time, preserving
// schema history under earlier versions.
func (e *Engine) CreateField(ctx context.Context, requester model.Requester, studyID string, input FieldInput) (*model.Field, error) {
	_, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	if !grants.CanAccessField(input.FieldID, permission.OpWrite) {
		return nil, PermissionError()
	}
	if msg := validateFieldEntry(&input); msg != "" {
		return nil, ValidationError(msg)
	}

	field := fieldFromInput(studyID, input, requester.ID)
	if err := e.repos.Fields.InsertField(ctx, field); err != nil {
		return nil, InternalError(err)
	}
	return field, nil
}

// EditField appends a row carrying the merged declaration: unset input
// parts inherit from the latest live row of the fieldId.
func (e *Engine) EditField(ctx context.Context, requester model.Requester, studyID string, input FieldInput) (*model.Field, error) {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	if !grants.CanAccessField(input.FieldID, permission.OpWrite) {
		return nil, PermissionError()
	}

	current, err := e.latestFieldRow(ctx, study, input.FieldID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Life.Deleted() {
		return nil, NotFoundError("Field", input.FieldID)
	}

	merged := mergeFieldInput(current, input)
	if msg := validateFieldEntry(&merged); msg != "" {
		return nil, ValidationError(msg)
	}

	field := fieldFromInput(studyID, merged, requester.ID)
	if err := e.repos.Fields.InsertField(ctx, field); err != nil {
		return nil, InternalError(err)
	}
	return field, nil
}

// DeleteField appends a delete-stamped row. Deleting an already-deleted
// field appends another row without changing the observable state.
func (e *Engine) DeleteField(ctx context.Context, requester model.Requester, studyID, fieldID string) error {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return err
	}
	if !grants.CanAccessField(fieldID, permission.OpDelete) {
		return PermissionError()
	}

	current, err := e.latestFieldRow(ctx, study, fieldID)
	if err != nil {
		return err
	}
	if current == nil {
		return NotFoundError("Field", fieldID)
	}

	tomb := *current
	tomb.ID = uuid.NewString()
	tomb.DataVersion = nil
	tomb.Life = model.NewLife(requester.ID)
	now := tomb.Life.CreatedTime
	tomb.Life.DeletedTime = &now
	tomb.Life.DeletedUser = &requester.ID

	if err := e.repos.Fields.InsertField(ctx, &tomb); err != nil {
		return InternalError(err)
	}
	return nil
}

// ListFields projects the active fields visible to the requester: per
// fieldId the latest row in the visible version set, dropping deleted ones
// and ids outside the requester's readable patterns.
func (e *Engine) ListFields(ctx context.Context, requester model.Requester, studyID string, versionID *string) ([]model.Field, error) {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	versions, err := availableVersionIDs(study, versionID, grants)
	if err != nil {
		return nil, err
	}

	rows, err := e.repos.Fields.FieldRows(ctx, studyID, versions)
	if err != nil {
		return nil, InternalError(err)
	}

	latest := projectLatestFields(rows)
	readable := grants.ReadableFieldPatterns()
	var fields []model.Field
	for _, f := range latest {
		for _, re := range readable {
			if re.MatchString(f.FieldID) {
				fields = append(fields, f)
				break
			}
		}
	}
	return fields, nil
}

// latestFieldRow returns the newest dictionary row of a fieldId across the
// full version chain plus unversioned rows, or nil when none exists.
func (e *Engine) latestFieldRow(ctx context.Context, study *model.Study, fieldID string) (*model.Field, error) {
	versions, err := availableVersionIDs(study, nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := e.repos.Fields.FieldRows(ctx, study.ID, versions)
	if err != nil {
		return nil, InternalError(err)
	}
	var latest *model.Field
	for i := range rows {
		if rows[i].FieldID != fieldID {
			continue
		}
		if latest == nil || rows[i].Life.CreatedTime >= latest.Life.CreatedTime {
			latest = &rows[i]
		}
	}
	return latest, nil
}

// projectLatestFields keeps, per fieldId, the newest non-deleted row,
// in first-declaration order. A delete row newer than every declaration
// removes the field entirely.
func projectLatestFields(rows []model.Field) []model.Field {
	latest := make(map[string]model.Field)
	var ids []string
	for _, row := range rows {
		cur, seen := latest[row.FieldID]
		if !seen {
			ids = append(ids, row.FieldID)
		}
		if !seen || row.Life.CreatedTime >= cur.Life.CreatedTime {
			latest[row.FieldID] = row
		}
	}

	fields := make([]model.Field, 0, len(ids))
	for _, id := range ids {
		if f := latest[id]; !f.Life.Deleted() {
			fields = append(fields, f)
		}
	}
	return fields
}

// validateFieldEntry returns the first validation failure, or "".
func validateFieldEntry(input *FieldInput) string {
	if input.FieldID == "" {
		return "fieldId should not be empty."
	}
	if input.FieldName == "" {
		return "fieldName should not be empty."
	}
	if input.DataType == "" {
		return "dataType should not be empty."
	}
	if !fieldIDPattern.MatchString(input.FieldID) {
		return "FieldId should contain letters, numbers and _ only."
	}
	if !model.KnownDataType(input.DataType) {
		return fmt.Sprintf("Data type shouldn't be %s: use 'INTEGER' for integer, 'DECIMAL' for decimal, 'STRING' for string, 'BOOLEAN' for boolean, 'DATETIME' for datetime, 'FILE' for file, 'JSON' for json and 'CATEGORICAL' for categorical.", input.DataType)
	}
	if input.DataType == model.TypeCategorical {
		if len(input.CategoricalOptions) == 0 {
			return fmt.Sprintf("%s-%s: possible values can't be empty if data type is categorical.", input.FieldID, input.FieldName)
		}
		for i := range input.CategoricalOptions {
			if input.CategoricalOptions[i].ID == "" {
				input.CategoricalOptions[i].ID = uuid.NewString()
			}
		}
	}
	return ""
}

func fieldFromInput(studyID string, input FieldInput, userID string) *model.Field {
	properties := input.Properties
	if input.DataType == model.TypeFile && !hasProperty(properties, "FileName") {
		// FILE clips always carry the original file name.
		properties = append(properties, model.PropertySpec{Name: "FileName", Required: true})
	}
	return &model.Field{
		ID:                 uuid.NewString(),
		StudyID:            studyID,
		FieldID:            input.FieldID,
		FieldName:          input.FieldName,
		Description:        input.Description,
		DataType:           input.DataType,
		CategoricalOptions: input.CategoricalOptions,
		Unit:               input.Unit,
		Comments:           input.Comments,
		Verifier:           input.Verifier,
		Properties:         properties,
		DataVersion:        nil,
		Life:               model.NewLife(userID),
		Metadata:           input.Metadata,
	}
}

func mergeFieldInput(current *model.Field, input FieldInput) FieldInput {
	merged := input
	if merged.FieldName == "" {
		merged.FieldName = current.FieldName
	}
	if merged.Description == "" {
		merged.Description = current.Description
	}
	if merged.DataType == "" {
		merged.DataType = current.DataType
	}
	if merged.CategoricalOptions == nil {
		merged.CategoricalOptions = current.CategoricalOptions
	}
	if merged.Unit == "" {
		merged.Unit = current.Unit
	}
	if merged.Comments == "" {
		merged.Comments = current.Comments
	}
	if merged.Verifier == nil {
		merged.Verifier = current.Verifier
	}
	if merged.Properties == nil {
		merged.Properties = current.Properties
	}
	return merged
}

func hasProperty(specs []model.PropertySpec, name string) bool {
	for _, p := range specs {
		if p.Name == name {
			return true
		}
	}
	return false
}
