package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"studybroker/internal/model"
	"studybroker/internal/store"
)

// CreateStudy anchors a new study and grants the creator a manager role
// with full access over every field, including unversioned data.
func (e *Engine) CreateStudy(ctx context.Context, requester model.Requester, name, description string) (*model.Study, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ValidationError("Study name must not be empty.")
	}

	study := &model.Study{
		ID:                 uuid.NewString(),
		Name:               name,
		Description:        description,
		DataVersions:       []model.DataVersion{},
		CurrentDataVersion: -1,
		Life:               model.NewLife(requester.ID),
	}
	if err := e.repos.Studies.CreateStudy(ctx, study); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, ConsistencyError("Study name has been used.")
		}
		return nil, InternalError(err)
	}

	manager := &model.Role{
		ID:      uuid.NewString(),
		StudyID: study.ID,
		Name:    "manager",
		DataPermissions: []model.DataPermission{{
			Fields:             []string{"^.*$"},
			Permission:         7,
			IncludeUnVersioned: true,
		}},
		Users: []string{requester.ID},
		Life:  model.NewLife(requester.ID),
	}
	if err := e.repos.Roles.CreateRole(ctx, manager); err != nil {
		return nil, InternalError(err)
	}
	return study, nil
}

// ListStudies returns the studies where the requester holds any role, in
// role-discovery order.
func (e *Engine) ListStudies(ctx context.Context, requester model.Requester) ([]*model.Study, error) {
	roles, err := e.repos.Roles.RolesAcrossStudies(ctx, requester.ID)
	if err != nil {
		return nil, InternalError(err)
	}
	seen := make(map[string]bool)
	studies := []*model.Study{}
	for _, role := range roles {
		if seen[role.StudyID] {
			continue
		}
		seen[role.StudyID] = true
		study, err := e.repos.Studies.GetStudy(ctx, role.StudyID)
		if errors.Is(err, store.ErrNotFound) {
			// Stale role row; the study itself is gone.
			continue
		}
		if err != nil {
			return nil, InternalError(err)
		}
		studies = append(studies, study)
	}
	return studies, nil
}

// GetStudy returns the study when the requester holds any grant on it.
func (e *Engine) GetStudy(ctx context.Context, requester model.Requester, studyID string) (*model.Study, error) {
	study, _, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	return study, nil
}

// CreateRole adds a role to a study. Only members with write access over
// every field may manage roles.
func (e *Engine) CreateRole(ctx context.Context, requester model.Requester, role model.Role) (*model.Role, error) {
	if _, err := e.requireManager(ctx, requester, role.StudyID); err != nil {
		return nil, err
	}
	role.ID = uuid.NewString()
	role.Life = model.NewLife(requester.ID)
	if role.Users == nil {
		role.Users = []string{}
	}
	if err := e.repos.Roles.CreateRole(ctx, &role); err != nil {
		return nil, InternalError(err)
	}
	return &role, nil
}

// EditRole rewrites a role's permissions and membership.
func (e *Engine) EditRole(ctx context.Context, requester model.Requester, role model.Role) error {
	if _, err := e.requireManager(ctx, requester, role.StudyID); err != nil {
		return err
	}
	if err := e.repos.Roles.SaveRole(ctx, &role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("Role", role.ID)
		}
		return InternalError(err)
	}
	return nil
}

func (e *Engine) requireManager(ctx context.Context, requester model.Requester, studyID string) (*model.Study, error) {
	study, grants, err := e.grantsFor(ctx, studyID, requester)
	if err != nil {
		return nil, err
	}
	if !grants.CanManage() {
		return nil, PermissionError()
	}
	return study, nil
}
