package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"studybroker/internal/cache"
	"studybroker/internal/formula"
	"studybroker/internal/model"
	"studybroker/internal/permission"
	"studybroker/internal/pipeline"
	"studybroker/internal/verifier"
)

// DataInput is one clip submitted for upload. Values arrive as strings and
// are parsed per the field's data type.
type DataInput struct {
	FieldID    string            `json:"fieldId"`
	Value      string            `json:"value"`
	Properties map[string]string `json:"properties,omitempty"`
}

// UploadResult reports the outcome for one submitted clip. Uploads have
// partial-failure semantics: each clip succeeds or fails on its own.
type UploadResult struct {
	ID          string `json:"id"`
	Successful  bool   `json:"successful"`
	Code        string `json:"code,omitempty"`
	Description string `json:"description"`
}

// GetDataOptions narrows and reshapes a data read.
type GetDataOptions struct {
	// FieldIDs restricts the read to the listed field ids; nil selects
	// every visible field.
	FieldIDs []string
	// DataVersion selects a version by id or version string; nil selects
	// the study's current version chain.
	DataVersion *string
	// Aggregation reshapes the record set through named channels.
	Aggregation pipeline.Aggregation
	// UseCache serves a fingerprint-matched materialized result when one
	// exists and stores the result otherwise.
	UseCache bool
	// ForceUpdate recomputes and appends a fresh cache entry even on hit.
	ForceUpdate bool
}

// UploadData validates and appends a batch of data clips. Per-item results
// are returned in input order; only passing clips are appended, always
// unversioned.
func (e *Engine) UploadData(ctx context.Context, requester model.Requester, studyID string, data []DataInput) ([]UploadResult, error) {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}

	fields, err := e.activeFields(ctx, study)
	if err != nil {
		return nil, err
	}

	results := make([]UploadResult, 0, len(data))
	var accepted []*model.DataClip
	for i, input := range data {
		id := strconv.Itoa(i)
		if !grants.CanAccessClip(input.FieldID, input.Properties, false, permission.OpWrite) {
			results = append(results, UploadResult{
				ID: id, Code: "PERMISSION_DENIED", Description: PermissionError().Message,
			})
			continue
		}
		field, ok := fields[input.FieldID]
		if !ok {
			results = append(results, UploadResult{
				ID: id, Code: "NOT_FOUND",
				Description: fmt.Sprintf("Field %s: Field not found", input.FieldID),
			})
			continue
		}

		parsed, msg := parseValue(field, input.Value)
		if msg == "" {
			msg = checkClipVerifiers(field, parsed, input.Properties)
		}
		if msg != "" {
			results = append(results, UploadResult{ID: id, Code: "VALIDATION_FAILED", Description: msg})
			continue
		}

		accepted = append(accepted, &model.DataClip{
			ID:         uuid.NewString(),
			StudyID:    studyID,
			FieldID:    input.FieldID,
			Value:      parsed,
			Properties: input.Properties,
			Life:       model.NewLife(requester.ID),
		})
		results = append(results, UploadResult{
			ID: id, Successful: true,
			Description: fmt.Sprintf("Field %s value %s successfully uploaded.", input.FieldID, input.Value),
		})
	}

	if err := e.repos.Clips.InsertClips(ctx, accepted); err != nil {
		return nil, InternalError(err)
	}
	return results, nil
}

// DeleteData appends a delete clip shadowing the (fieldId, properties)
// identity. Deleting the same identity again is a safe no-op.
func (e *Engine) DeleteData(ctx context.Context, requester model.Requester, studyID, fieldID string, properties map[string]string) error {
	_, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return err
	}
	if !grants.CanAccessClip(fieldID, properties, false, permission.OpDelete) {
		return PermissionError()
	}

	now := model.NewLife(requester.ID)
	now.DeletedTime = &now.CreatedTime
	now.DeletedUser = &requester.ID
	clip := &model.DataClip{
		ID:         uuid.NewString(),
		StudyID:    studyID,
		FieldID:    fieldID,
		Value:      nil,
		Properties: properties,
		Life:       now,
	}
	if err := e.repos.Clips.InsertClips(ctx, []*model.DataClip{clip}); err != nil {
		return InternalError(err)
	}
	return nil
}

// GetData retrieves the permission-filtered, version-resolved records and
// reshapes them through the aggregation channels. With UseCache the result
// is served from, or materialized into, the fingerprint-indexed cache.
func (e *Engine) GetData(ctx context.Context, requester model.Requester, studyID string, opts GetDataOptions) (any, error) {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	versions, err := availableVersionIDs(study, opts.DataVersion, grants)
	if err != nil {
		return nil, err
	}

	compute := func(ctx context.Context) (any, error) {
		records, err := e.dataByGrants(ctx, requester, grants, study, versions, opts.FieldIDs)
		if err != nil {
			return nil, err
		}
		if opts.Aggregation == nil {
			return records, nil
		}
		out, err := pipeline.Aggregate(records, opts.Aggregation)
		if err != nil {
			return nil, ValidationError(err.Error())
		}
		return out, nil
	}

	if !opts.UseCache {
		return compute(ctx)
	}

	keys := map[string]any{
		"query":       "getData",
		"requester":   requester.ID,
		"studyId":     studyID,
		"fieldIds":    opts.FieldIDs,
		"dataVersion": opts.DataVersion,
		"aggregation": opts.Aggregation,
	}
	result, err := e.cache.Fetch(ctx, studyID, keys, opts.ForceUpdate, func(ctx context.Context) (cache.Result, error) {
		out, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return cache.Result{"data": out}, nil
	})
	if err != nil {
		return nil, err
	}
	return result["data"], nil
}

// GetDataByRoles is the raw read under an explicit role set: the latest
// clip per (fieldId, declared properties) identity among the rows those
// roles admit, with delete clips shadowing.
func (e *Engine) GetDataByRoles(ctx context.Context, requester model.Requester, roles []model.Role, studyID string, versions []*string, fieldIDs []string) ([]pipeline.Record, error) {
	study, err := e.repos.Studies.GetStudy(ctx, studyID)
	if err != nil {
		return nil, StudyNotFoundError()
	}
	grants := permission.Resolve(roles, studyID)
	return e.dataByGrants(ctx, requester, grants, study, versions, fieldIDs)
}

// GenVersioningAggregation builds the canned channel that projects a raw
// clip list to current values: keep versioned rows (unless unversioned data
// is visible), group by identity keys, keep the newest row per identity,
// and drop identities whose newest row is a delete.
func GenVersioningAggregation(keys []string, hasVersioning bool) []pipeline.Operation {
	var ops []pipeline.Operation
	if !hasVersioning {
		ops = append(ops, pipeline.FilterOperation("deleted", verifier.ValueVerifier{
			Formula:   formula.Variable("dataVersion"),
			Condition: verifier.GeneralIsNotNull,
			Value:     "",
		}))
	}
	if len(keys) > 0 {
		ops = append(ops,
			pipeline.GroupOperation(keys, false),
			pipeline.LeaveOneOperation(formula.Variable("life.createdTime"), true),
			pipeline.FilterOperation("deleted", verifier.ValueVerifier{
				Formula:   formula.Variable("life.deletedTime"),
				Condition: verifier.GeneralIsNull,
				Value:     "",
			}),
		)
	}
	return ops
}

// activeFields maps fieldId to its active declaration across the current
// version chain plus unversioned rows.
func (e *Engine) activeFields(ctx context.Context, study *model.Study) (map[string]model.Field, error) {
	versions, err := availableVersionIDs(study, nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := e.repos.Fields.FieldRows(ctx, study.ID, versions)
	if err != nil {
		return nil, InternalError(err)
	}
	fields := make(map[string]model.Field)
	for _, f := range projectLatestFields(rows) {
		fields[f.FieldID] = f
	}
	return fields, nil
}

// dataByGrants applies the read algorithm: restrict rows to the visible
// version set and granted (field, property) combinations, keep the latest
// clip per identity, drop shadowed identities, then project records.
func (e *Engine) dataByGrants(ctx context.Context, requester model.Requester, grants *permission.Grants, study *model.Study, versions []*string, fieldIDs []string) ([]pipeline.Record, error) {
	rows, err := e.repos.Fields.FieldRows(ctx, study.ID, versions)
	if err != nil {
		return nil, InternalError(err)
	}
	fields := projectLatestFields(rows)

	selected := make(map[string]model.Field)
	if fieldIDs == nil {
		for _, f := range fields {
			selected[f.FieldID] = f
		}
	} else {
		byID := make(map[string]model.Field, len(fields))
		for _, f := range fields {
			byID[f.FieldID] = f
		}
		for _, id := range fieldIDs {
			if f, ok := byID[id]; ok {
				selected[id] = f
			}
		}
	}
	if len(selected) == 0 {
		return []pipeline.Record{}, nil
	}

	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	clips, err := e.repos.Clips.ClipRows(ctx, study.ID, versions, ids)
	if err != nil {
		return nil, InternalError(err)
	}
	clips = grants.FilterClips(clips, requester.ID)

	// Latest clip per (fieldId, declared-property) identity; identity uses
	// only the properties the field declares, matching the dictionary.
	latest := make(map[string]model.DataClip)
	var order []string
	for _, clip := range clips {
		field := selected[clip.FieldID]
		key := identityKey(clip, field.Properties)
		cur, seen := latest[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || clip.Life.CreatedTime >= cur.Life.CreatedTime {
			latest[key] = clip
		}
	}

	records := make([]pipeline.Record, 0, len(order))
	for _, key := range order {
		clip := latest[key]
		if clip.Life.Deleted() {
			continue
		}
		records = append(records, clipRecord(clip))
	}
	return records, nil
}

func identityKey(clip model.DataClip, specs []model.PropertySpec) string {
	key := clip.FieldID
	if len(specs) == 0 {
		names := make([]string, 0, len(clip.Properties))
		for name := range clip.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			key += "\x00" + name + "=" + clip.Properties[name]
		}
		return key
	}
	for _, spec := range specs {
		key += "\x00" + spec.Name + "=" + clip.Properties[spec.Name]
	}
	return key
}

func clipRecord(clip model.DataClip) pipeline.Record {
	properties := make(map[string]any, len(clip.Properties))
	for name, value := range clip.Properties {
		properties[name] = value
	}
	// Version and delete stamps land as plain values (or nil), so null
	// conditions in downstream filters see stored nulls, not typed nils.
	var dataVersion any
	if clip.DataVersion != nil {
		dataVersion = *clip.DataVersion
	}
	life := map[string]any{
		"createdTime": clip.Life.CreatedTime,
		"deletedTime": nil,
	}
	if clip.Life.DeletedTime != nil {
		life["deletedTime"] = *clip.Life.DeletedTime
	}
	return pipeline.Record{
		"studyId":     clip.StudyID,
		"fieldId":     clip.FieldID,
		"value":       clip.Value,
		"properties":  properties,
		"dataVersion": dataVersion,
		"life":        life,
	}
}

// checkClipVerifiers runs the field verifier against the parsed value and
// every property verifier against the clip properties. Returns the first
// failure message, or "".
func checkClipVerifiers(field model.Field, parsed any, properties map[string]string) string {
	if len(field.Verifier) > 0 && !verifier.Check(field.Verifier, parsed) {
		return fmt.Sprintf("Field %s value %v: Failed to pass the verifier.", field.FieldID, parsed)
	}
	for _, prop := range field.Properties {
		value, present := properties[prop.Name]
		if prop.Required && !present {
			return fmt.Sprintf("Field %s: Property %s is required.", field.FieldID, prop.Name)
		}
		if !present {
			continue
		}
		if len(prop.Verifier) > 0 && !verifier.Check(prop.Verifier, value) {
			return fmt.Sprintf("Field %s value %s: Property %s failed to pass the verifier.", field.FieldID, value, prop.Name)
		}
	}
	return ""
}
