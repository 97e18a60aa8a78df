// Package permission evaluates field-level and property-level access for a
// requester's roles within a study. A grant covers a field id when it
// matches at least one of the grant's field regexes; a clip is admitted
// when every property the grant constrains matches one of that property's
// regexes. Permission bits: read=4, write=2, delete=1.
package permission

import (
	"regexp"

	"studybroker/internal/model"
)

// Atomic operations gated by the permission mask.
const (
	BitRead   = 4
	BitWrite  = 2
	BitDelete = 1
)

// Op names a requested atomic operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpDelete
)

func (op Op) bit() int {
	switch op {
	case OpWrite:
		return BitWrite
	case OpDelete:
		return BitDelete
	default:
		return BitRead
	}
}

// grant is one DataPermission with its regexes compiled. Patterns that do
// not compile are dropped; a grant whose field list compiled empty never
// covers anything.
type grant struct {
	fields             []*regexp.Regexp
	properties         map[string][]*regexp.Regexp
	permission         int
	includeUnVersioned bool
}

// Grants is the resolved permission set of one requester for one study.
type Grants struct {
	grants []grant
}

// Resolve collects every data permission from the given roles that is
// scoped to studyID and compiles it. Roles for other studies and
// logically-deleted roles are ignored.
func Resolve(roles []model.Role, studyID string) *Grants {
	g := &Grants{}
	for _, role := range roles {
		if role.StudyID != studyID || role.Life.Deleted() {
			continue
		}
		for _, dp := range role.DataPermissions {
			cg := grant{
				permission:         dp.Permission,
				includeUnVersioned: dp.IncludeUnVersioned,
				properties:         make(map[string][]*regexp.Regexp),
			}
			for _, pattern := range dp.Fields {
				re, err := regexp.Compile(pattern)
				if err != nil {
					continue
				}
				cg.fields = append(cg.fields, re)
			}
			for name, patterns := range dp.DataProperties {
				for _, pattern := range patterns {
					re, err := regexp.Compile(pattern)
					if err != nil {
						continue
					}
					cg.properties[name] = append(cg.properties[name], re)
				}
			}
			g.grants = append(g.grants, cg)
		}
	}
	return g
}

// Empty reports whether no grant at all applies to the study.
func (g *Grants) Empty() bool {
	return len(g.grants) == 0
}

// CanAccessField reports whether op is allowed on the field id alone,
// ignoring property constraints. Used for field-dictionary operations.
func (g *Grants) CanAccessField(fieldID string, op Op) bool {
	for _, cg := range g.grants {
		if cg.permission&op.bit() == 0 {
			continue
		}
		if matchAny(cg.fields, fieldID) {
			return true
		}
	}
	return false
}

// CanAccessClip reports whether op is allowed on a clip with the given
// field id, properties and versioned state. versioned is false for clips
// with a nil data version.
func (g *Grants) CanAccessClip(fieldID string, properties map[string]string, versioned bool, op Op) bool {
	for _, cg := range g.grants {
		if cg.admits(fieldID, properties, versioned, op) {
			return true
		}
	}
	return false
}

// CanManage reports whether some grant carries all three permission bits.
// Role management is reserved for holders of such a grant.
func (g *Grants) CanManage() bool {
	full := BitRead | BitWrite | BitDelete
	for _, cg := range g.grants {
		if cg.permission&full == full {
			return true
		}
	}
	return false
}

// HasUnversionedRead reports whether any read-capable grant extends
// visibility to unversioned data.
func (g *Grants) HasUnversionedRead() bool {
	for _, cg := range g.grants {
		if cg.permission&BitRead != 0 && cg.includeUnVersioned {
			return true
		}
	}
	return false
}

// ReadableFieldPatterns returns the compiled field regexes of every grant
// carrying the read bit. The field-dictionary projection uses these to
// restrict visible field ids.
func (g *Grants) ReadableFieldPatterns() []*regexp.Regexp {
	var patterns []*regexp.Regexp
	for _, cg := range g.grants {
		if cg.permission&BitRead != 0 {
			patterns = append(patterns, cg.fields...)
		}
	}
	return patterns
}

// FilterClips keeps the clips the requester may read. Clips created by
// requesterID are always visible to their creator, mirroring the write
// path's read-your-writes behavior.
func (g *Grants) FilterClips(clips []model.DataClip, requesterID string) []model.DataClip {
	out := make([]model.DataClip, 0, len(clips))
	for _, clip := range clips {
		if clip.Life.CreatedUser == requesterID ||
			g.CanAccessClip(clip.FieldID, clip.Properties, clip.DataVersion != nil, OpRead) {
			out = append(out, clip)
		}
	}
	return out
}

func (cg grant) admits(fieldID string, properties map[string]string, versioned bool, op Op) bool {
	if cg.permission&op.bit() == 0 {
		return false
	}
	if !matchAny(cg.fields, fieldID) {
		return false
	}
	for name, patterns := range cg.properties {
		if !matchAny(patterns, properties[name]) {
			return false
		}
	}
	// Unversioned data is a read-side visibility concern only; new clips
	// are always appended unversioned.
	if op == OpRead && !versioned && !cg.includeUnVersioned {
		return false
	}
	return true
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
