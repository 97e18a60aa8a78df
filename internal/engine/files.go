package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"studybroker/internal/model"
	"studybroker/internal/objstore"
	"studybroker/internal/permission"
)

// supportedFileTypes is the closed set of accepted upload extensions.
var supportedFileTypes = map[string]bool{
	"CSV": true, "TSV": true, "TXT": true, "JSON": true, "ZIP": true,
	"PDF": true, "JPG": true, "JPEG": true, "PNG": true, "GZ": true,
}

// UploadFileData stores a file payload and appends a clip whose value is
// the file entry id. The payload reaches the object store before the clip
// is visible, so a readable clip always resolves to a stored blob.
func (e *Engine) UploadFileData(ctx context.Context, requester model.Requester, studyID, fieldID, fileName string, content []byte, properties map[string]string) (*model.FileEntry, error) {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	if !grants.CanAccessClip(fieldID, properties, false, permission.OpWrite) {
		return nil, PermissionError()
	}

	fields, err := e.activeFields(ctx, study)
	if err != nil {
		return nil, err
	}
	field, ok := fields[fieldID]
	if !ok {
		return nil, ValidationError(fmt.Sprintf("Field %s: Field not found", fieldID))
	}
	if field.DataType != model.TypeFile {
		return nil, ValidationError(fmt.Sprintf("Field %s is not a file field.", fieldID))
	}

	ext := fileExtension(fileName)
	if !supportedFileTypes[ext] {
		return nil, ValidationError(fmt.Sprintf("File type %s not supported.", ext))
	}

	sum := sha256.Sum256(content)
	entry := &model.FileEntry{
		ID:         uuid.NewString(),
		StudyID:    studyID,
		FileName:   fileName,
		FileSize:   int64(len(content)),
		URI:        fmt.Sprintf("files/%s/%s", studyID, uuid.NewString()),
		Hash:       hex.EncodeToString(sum[:]),
		Properties: properties,
		Life:       model.NewLife(requester.ID),
	}

	clipProperties := make(map[string]string, len(properties)+1)
	for name, value := range properties {
		clipProperties[name] = value
	}
	clipProperties["FileName"] = fileName
	if msg := checkClipVerifiers(field, entry.ID, clipProperties); msg != "" {
		return nil, ValidationError(msg)
	}

	if err := e.objects.Put(ctx, entry.URI, content); err != nil {
		return nil, InternalError(err)
	}
	if err := e.repos.Files.InsertFileEntry(ctx, entry); err != nil {
		return nil, InternalError(err)
	}

	clip := &model.DataClip{
		ID:         uuid.NewString(),
		StudyID:    studyID,
		FieldID:    fieldID,
		Value:      entry.ID,
		Properties: clipProperties,
		Life:       model.NewLife(requester.ID),
	}
	if err := e.repos.Clips.InsertClips(ctx, []*model.DataClip{clip}); err != nil {
		return nil, InternalError(err)
	}

	if err := e.cache.Invalidate(ctx, studyID); err != nil {
		return nil, InternalError(err)
	}
	return entry, nil
}

// GetStudyFiles resolves the current file clips visible to the requester
// into their file entries.
func (e *Engine) GetStudyFiles(ctx context.Context, requester model.Requester, studyID string) ([]*model.FileEntry, error) {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	fields, err := e.activeFields(ctx, study)
	if err != nil {
		return nil, err
	}
	var fileFieldIDs []string
	for id, field := range fields {
		if field.DataType == model.TypeFile {
			fileFieldIDs = append(fileFieldIDs, id)
		}
	}
	if len(fileFieldIDs) == 0 {
		return []*model.FileEntry{}, nil
	}

	versions, err := availableVersionIDs(study, nil, grants)
	if err != nil {
		return nil, err
	}
	records, err := e.dataByGrants(ctx, requester, grants, study, versions, fileFieldIDs)
	if err != nil {
		return nil, err
	}

	entries := make([]*model.FileEntry, 0, len(records))
	for _, record := range records {
		fileID, ok := record["value"].(string)
		if !ok || fileID == "" {
			continue
		}
		entry, err := e.repos.Files.GetFileEntry(ctx, fileID)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DownloadFile returns a file entry and its payload. The requester needs
// any grant on the owning study.
func (e *Engine) DownloadFile(ctx context.Context, requester model.Requester, studyID, fileID string) (*model.FileEntry, []byte, error) {
	if _, _, err := e.grantsFor(ctx, studyID, requester); err != nil {
		return nil, nil, err
	}
	entry, err := e.repos.Files.GetFileEntry(ctx, fileID)
	if err != nil || entry.StudyID != studyID {
		return nil, nil, NotFoundError("File", fileID)
	}
	content, err := e.objects.Get(ctx, entry.URI)
	if errors.Is(err, objstore.ErrObjectNotFound) {
		return nil, nil, NotFoundError("File", fileID)
	}
	if err != nil {
		return nil, nil, InternalError(err)
	}
	return entry, content, nil
}

func fileExtension(fileName string) string {
	idx := strings.LastIndex(fileName, ".")
	if idx < 0 || idx == len(fileName)-1 {
		return ""
	}
	return strings.ToUpper(fileName[idx+1:])
}
