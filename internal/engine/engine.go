// Package engine implements the versioned study-data operations: field
// dictionary maintenance, data-clip uploads and reads, data versioning,
// file payloads and the cached aggregation path. Every write is an append;
// current state is a read-time projection over the logs.
package engine

import (
	"context"
	"errors"
	"sync"

	"studybroker/internal/cache"
	"studybroker/internal/model"
	"studybroker/internal/objstore"
	"studybroker/internal/permission"
	"studybroker/internal/store"
)

type StudyRepo interface {
	CreateStudy(ctx context.Context, study *model.Study) error
	GetStudy(ctx context.Context, studyID string) (*model.Study, error)
	SaveStudy(ctx context.Context, study *model.Study) error
	// StampVersion atomically stamps all unversioned field and clip rows
	// with the version id and persists the updated study document.
	StampVersion(ctx context.Context, study *model.Study, versionID string) error
}

type RoleRepo interface {
	CreateRole(ctx context.Context, role *model.Role) error
	SaveRole(ctx context.Context, role *model.Role) error
	RolesForStudy(ctx context.Context, studyID string) ([]model.Role, error)
	RolesForUser(ctx context.Context, studyID, userID string) ([]model.Role, error)
	RolesAcrossStudies(ctx context.Context, userID string) ([]model.Role, error)
}

type FieldRepo interface {
	InsertField(ctx context.Context, field *model.Field) error
	// FieldRows returns dictionary rows whose data version is in the set;
	// a nil entry selects unversioned rows. Ordered by insertion time.
	FieldRows(ctx context.Context, studyID string, versions []*string) ([]model.Field, error)
}

type ClipRepo interface {
	InsertClips(ctx context.Context, clips []*model.DataClip) error
	ClipRows(ctx context.Context, studyID string, versions []*string, fieldIDs []string) ([]model.DataClip, error)
}

type FileRepo interface {
	InsertFileEntry(ctx context.Context, entry *model.FileEntry) error
	GetFileEntry(ctx context.Context, fileID string) (*model.FileEntry, error)
}

// Repos bundles the persistence interfaces the engine consumes.
// *store.Store satisfies all of them.
type Repos struct {
	Studies StudyRepo
	Roles   RoleRepo
	Fields  FieldRepo
	Clips   ClipRepo
	Files   FileRepo
}

// Engine is the core service. Stateless apart from the per-study version
// lock; safe for concurrent use.
type Engine struct {
	repos   Repos
	cache   *cache.Service
	objects objstore.ObjectStore

	// versionLocks serializes check-then-append version creation per study.
	versionLocks sync.Map // studyID -> *sync.Mutex
}

func New(repos Repos, cacheSvc *cache.Service, objects objstore.ObjectStore) *Engine {
	return &Engine{repos: repos, cache: cacheSvc, objects: objects}
}

// NewFromStore wires an Engine directly onto a document store.
func NewFromStore(s *store.Store, cacheSvc *cache.Service, objects objstore.ObjectStore) *Engine {
	return New(Repos{
		Studies: s,
		Roles:   s,
		Fields:  s,
		Clips:   s,
		Files:   s,
	}, cacheSvc, objects)
}

// grantsFor loads the study and resolves the requester's grants against it.
// A missing study and an unauthorized one surface identically.
func (e *Engine) grantsFor(ctx context.Context, studyID string, requester model.Requester) (*model.Study, *permission.Grants, error) {
	study, err := e.repos.Studies.GetStudy(ctx, studyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, StudyNotFoundError()
	}
	if err != nil {
		return nil, nil, InternalError(err)
	}

	roles, err := e.repos.Roles.RolesForUser(ctx, studyID, requester.ID)
	if err != nil {
		return nil, nil, InternalError(err)
	}
	grants := permission.Resolve(roles, studyID)
	if grants.Empty() {
		return nil, nil, PermissionError()
	}
	return study, grants, nil
}

// versionLock returns the mutex serializing version creation for a study.
func (e *Engine) versionLock(studyID string) *sync.Mutex {
	mu, _ := e.versionLocks.LoadOrStore(studyID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// availableVersionIDs lists the version ids visible for a read: every
// version from the first up to the requested one (default: the study's
// current version), plus nil when the grants extend to unversioned data.
func availableVersionIDs(study *model.Study, requested *string, grants *permission.Grants) ([]*string, error) {
	upTo := study.CurrentDataVersion
	if requested != nil {
		upTo = -1
		for i, v := range study.DataVersions {
			if v.ID == *requested || v.Version == *requested {
				upTo = i
				break
			}
		}
		if upTo == -1 {
			return nil, NotFoundError("Data version", *requested)
		}
	}

	var versions []*string
	for i := 0; i <= upTo && i < len(study.DataVersions); i++ {
		id := study.DataVersions[i].ID
		versions = append(versions, &id)
	}
	if grants == nil || grants.HasUnversionedRead() {
		versions = append(versions, nil)
	}
	return versions, nil
}
