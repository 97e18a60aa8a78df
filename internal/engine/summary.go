package engine

import (
	"context"

	"studybroker/internal/cache"
	"studybroker/internal/model"
)

// GetStudySummary reports row-level counters over the full data and field
// logs: totals, delete clips, and the versioned/unversioned split. Counters
// describe log rows, not projected state.
func (e *Engine) GetStudySummary(ctx context.Context, requester model.Requester, studyID string, useCache, forceUpdate bool) (map[string]any, error) {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	if !grants.CanManage() {
		return nil, PermissionError()
	}

	compute := func(ctx context.Context) (cache.Result, error) {
		return e.computeSummary(ctx, study)
	}
	if !useCache {
		return compute(ctx)
	}

	keys := map[string]any{
		"query":     "getStudySummary",
		"requester": requester.ID,
		"studyId":   studyID,
	}
	return e.cache.Fetch(ctx, studyID, keys, forceUpdate, compute)
}

func (e *Engine) computeSummary(ctx context.Context, study *model.Study) (cache.Result, error) {
	// Full chain plus unversioned rows, ignoring grant visibility: the
	// summary is a manager-level accounting of the raw logs.
	versions := make([]*string, 0, len(study.DataVersions)+1)
	for i := range study.DataVersions {
		id := study.DataVersions[i].ID
		versions = append(versions, &id)
	}
	versions = append(versions, nil)

	clips, err := e.repos.Clips.ClipRows(ctx, study.ID, versions, nil)
	if err != nil {
		return nil, InternalError(err)
	}
	fields, err := e.repos.Fields.FieldRows(ctx, study.ID, versions)
	if err != nil {
		return nil, InternalError(err)
	}

	var records, deletes, unversionedRecords, unversionedDeletes, versionedDeletes int
	for _, clip := range clips {
		records++
		deleted := clip.Value == nil
		if deleted {
			deletes++
		}
		if clip.DataVersion == nil {
			unversionedRecords++
			if deleted {
				unversionedDeletes++
			}
		} else if deleted {
			versionedDeletes++
		}
	}

	fieldIDs := make(map[string]bool)
	var unversionedFields int
	for _, field := range fields {
		fieldIDs[field.FieldID] = true
		if field.DataVersion == nil {
			unversionedFields++
		}
	}

	return cache.Result{
		"studyId":                    study.ID,
		"numberOfDataRecords":        records,
		"numberOfDataAdds":           records - deletes,
		"numberOfDataDeletes":        deletes,
		"numberOfVersionedRecords":   records - unversionedRecords,
		"numberOfVersionedAdds":      (records - unversionedRecords) - versionedDeletes,
		"numberOfVersionedDeletes":   versionedDeletes,
		"numberOfUnversionedRecords": unversionedRecords,
		"numberOfUnversionedAdds":    unversionedRecords - unversionedDeletes,
		"numberOfUnversionedDeletes": unversionedDeletes,
		"numberOfFields":             len(fieldIDs),
		"numberOfUnversionedFields":  unversionedFields,
		"dataVersions":               study.DataVersions,
		"currentDataVersion":         study.CurrentDataVersion,
	}, nil
}
