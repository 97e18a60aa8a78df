// Package model defines the documents shared across the engine: studies,
// the field dictionary, the data-clip log, roles and cache rows. Field and
// clip documents are append-only; "current state" is always a read-time
// projection over the logs.
package model

import (
	"time"

	"studybroker/internal/verifier"
)

// Life tracks the audit lifecycle of a document. A set DeletedTime marks a
// logical delete; rows are never removed.
type Life struct {
	CreatedTime int64   `json:"createdTime"`
	CreatedUser string  `json:"createdUser"`
	DeletedTime *int64  `json:"deletedTime"`
	DeletedUser *string `json:"deletedUser"`
}

// NewLife stamps a fresh lifecycle for the given creator.
func NewLife(userID string) Life {
	return Life{CreatedTime: time.Now().UnixMilli(), CreatedUser: userID}
}

// Deleted reports whether the document carries a logical-delete stamp.
func (l Life) Deleted() bool {
	return l.DeletedTime != nil
}

// DataType enumerates field data types.
type DataType string

const (
	TypeInteger     DataType = "INTEGER"
	TypeDecimal     DataType = "DECIMAL"
	TypeBoolean     DataType = "BOOLEAN"
	TypeDatetime    DataType = "DATETIME"
	TypeCategorical DataType = "CATEGORICAL"
	TypeString      DataType = "STRING"
	TypeFile        DataType = "FILE"
	TypeJSON        DataType = "JSON"
)

// KnownDataType reports whether t is one of the supported data types.
func KnownDataType(t DataType) bool {
	switch t {
	case TypeInteger, TypeDecimal, TypeBoolean, TypeDatetime,
		TypeCategorical, TypeString, TypeFile, TypeJSON:
		return true
	}
	return false
}

// CategoricalOption is an admissible code for a CATEGORICAL field.
type CategoricalOption struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// PropertySpec declares a grouping/context dimension a data clip must (or
// may) carry, such as SubjectId or VisitId.
type PropertySpec struct {
	Name     string        `json:"name"`
	Verifier verifier.Spec `json:"verifier,omitempty"`
	Required bool          `json:"required"`
}

// Field is one row of the append-only field dictionary. Edits and deletes
// append a new row with the same FieldID; the dictionary is an event log
// per field id.
type Field struct {
	ID                 string              `json:"id"`
	StudyID            string              `json:"studyId"`
	FieldID            string              `json:"fieldId"`
	FieldName          string              `json:"fieldName"`
	Description        string              `json:"description,omitempty"`
	DataType           DataType            `json:"dataType"`
	CategoricalOptions []CategoricalOption `json:"categoricalOptions,omitempty"`
	Unit               string              `json:"unit,omitempty"`
	Comments           string              `json:"comments,omitempty"`
	Verifier           verifier.Spec       `json:"verifier,omitempty"`
	Properties         []PropertySpec      `json:"properties,omitempty"`
	DataVersion        *string             `json:"dataVersion"`
	Life               Life                `json:"life"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
}

// DataClip is one row of the append-only data log. Value nil together with
// a delete stamp shadows earlier clips with the same (FieldID, Properties)
// identity.
type DataClip struct {
	ID          string            `json:"id"`
	StudyID     string            `json:"studyId"`
	FieldID     string            `json:"fieldId"`
	Value       any               `json:"value"`
	Properties  map[string]string `json:"properties,omitempty"`
	DataVersion *string           `json:"dataVersion"`
	Life        Life              `json:"life"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// DataVersion is a named, numerically ordered snapshot boundary.
type DataVersion struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Tag     string `json:"tag,omitempty"`
	Life    Life   `json:"life"`
}

// Study anchors a study's version history. CurrentDataVersion indexes into
// DataVersions, or -1 when no version exists yet.
type Study struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description,omitempty"`
	DataVersions       []DataVersion `json:"dataVersions"`
	CurrentDataVersion int           `json:"currentDataVersion"`
	Life               Life          `json:"life"`
}

// DataPermission is one grant inside a role: regex patterns over field ids,
// per-property regex lists, a 3-bit permission mask and unversioned-data
// visibility.
type DataPermission struct {
	Fields             []string            `json:"fields"`
	DataProperties     map[string][]string `json:"dataProperties,omitempty"`
	Permission         int                 `json:"permission"`
	IncludeUnVersioned bool                `json:"includeUnVersioned"`
}

// Role aggregates data permissions granted to its member users for a study.
type Role struct {
	ID              string           `json:"id"`
	StudyID         string           `json:"studyId"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	DataPermissions []DataPermission `json:"dataPermissions"`
	Users           []string         `json:"users"`
	Life            Life             `json:"life"`
}

// CacheStatus marks whether a cache row is still served.
type CacheStatus string

const (
	CacheInUse    CacheStatus = "INUSE"
	CacheOutdated CacheStatus = "OUTDATED"
)

// CacheEntry indexes one materialized aggregation result. URI points at the
// object-store blob holding the serialized payload.
type CacheEntry struct {
	ID      string         `json:"id"`
	StudyID string         `json:"studyId"`
	KeyHash string         `json:"keyHash"`
	URI     string         `json:"uri"`
	Status  CacheStatus    `json:"status"`
	Keys    map[string]any `json:"keys,omitempty"`
	Life    Life           `json:"life"`
}

// FileEntry describes an uploaded file payload held in the object store.
type FileEntry struct {
	ID         string            `json:"id"`
	StudyID    string            `json:"studyId"`
	FileName   string            `json:"fileName"`
	FileSize   int64             `json:"fileSize"`
	URI        string            `json:"uri"`
	Hash       string            `json:"hash,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Life       Life              `json:"life"`
}

// Requester is the opaque identity supplied by the authentication layer.
// The engine never authenticates; it only authorizes against pre-resolved
// roles.
type Requester struct {
	ID    string
	Roles []string
}

// User is an account known to the authentication layer. PasswordHash is
// never serialized.
type User struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"`
	Active       bool     `json:"active"`
	Roles        []string `json:"roles,omitempty"`
	Life         Life     `json:"life"`
}

// RefreshToken is one opaque, single-use refresh credential.
type RefreshToken struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Token       string `json:"token"`
	ExpiresTime int64  `json:"expiresTime"`
	CreatedTime int64  `json:"createdTime"`
}

// AuditEvent is one row of the operation audit log.
type AuditEvent struct {
	ID          string         `json:"id"`
	StudyID     string         `json:"studyId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Action      string         `json:"action"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedTime int64          `json:"createdTime"`
}
