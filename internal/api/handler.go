// Package api exposes the engine over HTTP. Handlers translate request
// bodies to engine calls and engine errors to the shared error envelope;
// no study semantics live here.
package api

import (
	"context"
	"io"

	"github.com/gofiber/fiber/v2"

	"studybroker/internal/audit"
	"studybroker/internal/auth"
	"studybroker/internal/engine"
	"studybroker/internal/model"
	"studybroker/internal/pipeline"
)

// AuditReader serves the per-study audit trail.
type AuditReader interface {
	AuditEventsForStudy(ctx context.Context, studyID string, limit int) ([]model.AuditEvent, error)
}

type Handler struct {
	engine   *engine.Engine
	recorder *audit.Recorder
	auditLog AuditReader
}

func NewHandler(e *engine.Engine, recorder *audit.Recorder, auditLog AuditReader) *Handler {
	return &Handler{engine: e, recorder: recorder, auditLog: auditLog}
}

// RegisterRoutes registers the study routes behind the auth middleware.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	grp := app.Group("/api/studies", authMW)

	grp.Post("/", h.CreateStudy)
	grp.Get("/", h.ListStudies)
	grp.Get("/:studyId", h.GetStudy)
	grp.Get("/:studyId/summary", h.GetStudySummary)
	grp.Get("/:studyId/audit", h.ListAuditEvents)

	grp.Post("/:studyId/roles", h.CreateRole)
	grp.Put("/:studyId/roles/:roleId", h.EditRole)

	grp.Get("/:studyId/fields", h.ListFields)
	grp.Post("/:studyId/fields", h.CreateField)
	grp.Put("/:studyId/fields", h.EditField)
	grp.Delete("/:studyId/fields/:fieldId", h.DeleteField)

	grp.Post("/:studyId/data", h.UploadData)
	grp.Post("/:studyId/data/query", h.GetData)
	grp.Delete("/:studyId/data", h.DeleteData)

	grp.Post("/:studyId/versions", h.CreateDataVersion)
	grp.Put("/:studyId/versions/current", h.SetCurrentVersion)

	grp.Get("/:studyId/files", h.ListFiles)
	grp.Post("/:studyId/files/:fieldId", h.UploadFile)
	grp.Get("/:studyId/files/:fileId/content", h.DownloadFile)
}

func (h *Handler) record(c *fiber.Ctx, studyID, action string, detail map[string]any) {
	if h.recorder == nil {
		return
	}
	h.recorder.Record(studyID, auth.GetRequester(c).ID, action, detail)
}

// --- Studies and roles ---

func (h *Handler) CreateStudy(c *fiber.Ctx) error {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	study, err := h.engine.CreateStudy(c.Context(), auth.GetRequester(c), body.Name, body.Description)
	if err != nil {
		return err
	}
	h.record(c, study.ID, "study.create", map[string]any{"name": study.Name})
	return c.Status(201).JSON(fiber.Map{"data": study})
}

func (h *Handler) ListStudies(c *fiber.Ctx) error {
	studies, err := h.engine.ListStudies(c.Context(), auth.GetRequester(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": studies})
}

func (h *Handler) GetStudy(c *fiber.Ctx) error {
	study, err := h.engine.GetStudy(c.Context(), auth.GetRequester(c), c.Params("studyId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": study})
}

func (h *Handler) GetStudySummary(c *fiber.Ctx) error {
	summary, err := h.engine.GetStudySummary(c.Context(), auth.GetRequester(c), c.Params("studyId"),
		c.QueryBool("useCache"), c.QueryBool("forceUpdate"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": summary})
}

// ListAuditEvents serves the newest audit rows of a study. The study must
// be visible to the requester; the trail itself is not permission-filtered.
func (h *Handler) ListAuditEvents(c *fiber.Ctx) error {
	studyID := c.Params("studyId")
	if _, err := h.engine.GetStudy(c.Context(), auth.GetRequester(c), studyID); err != nil {
		return err
	}
	limit := c.QueryInt("limit", 100)
	events, err := h.auditLog.AuditEventsForStudy(c.Context(), studyID, limit)
	if err != nil {
		return engine.InternalError(err)
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	return c.JSON(fiber.Map{"data": events})
}

func (h *Handler) CreateRole(c *fiber.Ctx) error {
	var role model.Role
	if err := c.BodyParser(&role); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	role.StudyID = c.Params("studyId")
	created, err := h.engine.CreateRole(c.Context(), auth.GetRequester(c), role)
	if err != nil {
		return err
	}
	h.record(c, role.StudyID, "role.create", map[string]any{"roleId": created.ID})
	return c.Status(201).JSON(fiber.Map{"data": created})
}

func (h *Handler) EditRole(c *fiber.Ctx) error {
	var role model.Role
	if err := c.BodyParser(&role); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	role.StudyID = c.Params("studyId")
	role.ID = c.Params("roleId")
	if err := h.engine.EditRole(c.Context(), auth.GetRequester(c), role); err != nil {
		return err
	}
	h.record(c, role.StudyID, "role.edit", map[string]any{"roleId": role.ID})
	return c.JSON(fiber.Map{"data": role})
}

// --- Field dictionary ---

func (h *Handler) ListFields(c *fiber.Ctx) error {
	var versionID *string
	if v := c.Query("dataVersion"); v != "" {
		versionID = &v
	}
	fields, err := h.engine.ListFields(c.Context(), auth.GetRequester(c), c.Params("studyId"), versionID)
	if err != nil {
		return err
	}
	if fields == nil {
		fields = []model.Field{}
	}
	return c.JSON(fiber.Map{"data": fields})
}

func (h *Handler) CreateField(c *fiber.Ctx) error {
	var input engine.FieldInput
	if err := c.BodyParser(&input); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	field, err := h.engine.CreateField(c.Context(), auth.GetRequester(c), c.Params("studyId"), input)
	if err != nil {
		return err
	}
	h.record(c, c.Params("studyId"), "field.create", map[string]any{"fieldId": field.FieldID})
	return c.Status(201).JSON(fiber.Map{"data": field})
}

func (h *Handler) EditField(c *fiber.Ctx) error {
	var input engine.FieldInput
	if err := c.BodyParser(&input); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	field, err := h.engine.EditField(c.Context(), auth.GetRequester(c), c.Params("studyId"), input)
	if err != nil {
		return err
	}
	h.record(c, c.Params("studyId"), "field.edit", map[string]any{"fieldId": field.FieldID})
	return c.JSON(fiber.Map{"data": field})
}

func (h *Handler) DeleteField(c *fiber.Ctx) error {
	fieldID := c.Params("fieldId")
	if err := h.engine.DeleteField(c.Context(), auth.GetRequester(c), c.Params("studyId"), fieldID); err != nil {
		return err
	}
	h.record(c, c.Params("studyId"), "field.delete", map[string]any{"fieldId": fieldID})
	return c.JSON(fiber.Map{"message": "Field deleted."})
}

// --- Data ---

func (h *Handler) UploadData(c *fiber.Ctx) error {
	var body struct {
		Data []engine.DataInput `json:"data"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	results, err := h.engine.UploadData(c.Context(), auth.GetRequester(c), c.Params("studyId"), body.Data)
	if err != nil {
		return err
	}
	h.record(c, c.Params("studyId"), "data.upload", map[string]any{"count": len(body.Data)})
	return c.JSON(fiber.Map{"data": results})
}

func (h *Handler) GetData(c *fiber.Ctx) error {
	var body struct {
		FieldIDs    []string             `json:"fieldIds"`
		DataVersion *string              `json:"dataVersion"`
		Aggregation pipeline.Aggregation `json:"aggregation"`
		UseCache    bool                 `json:"useCache"`
		ForceUpdate bool                 `json:"forceUpdate"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	data, err := h.engine.GetData(c.Context(), auth.GetRequester(c), c.Params("studyId"), engine.GetDataOptions{
		FieldIDs:    body.FieldIDs,
		DataVersion: body.DataVersion,
		Aggregation: body.Aggregation,
		UseCache:    body.UseCache,
		ForceUpdate: body.ForceUpdate,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": data})
}

func (h *Handler) DeleteData(c *fiber.Ctx) error {
	var body struct {
		FieldID    string            `json:"fieldId"`
		Properties map[string]string `json:"properties"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	if err := h.engine.DeleteData(c.Context(), auth.GetRequester(c), c.Params("studyId"), body.FieldID, body.Properties); err != nil {
		return err
	}
	h.record(c, c.Params("studyId"), "data.delete", map[string]any{"fieldId": body.FieldID})
	return c.JSON(fiber.Map{"message": "Data deleted."})
}

// --- Versions ---

func (h *Handler) CreateDataVersion(c *fiber.Ctx) error {
	var body struct {
		Version string `json:"version"`
		Tag     string `json:"tag"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	dv, err := h.engine.CreateDataVersion(c.Context(), auth.GetRequester(c), c.Params("studyId"), body.Version, body.Tag)
	if err != nil {
		return err
	}
	h.record(c, c.Params("studyId"), "version.create", map[string]any{"version": dv.Version})
	return c.Status(201).JSON(fiber.Map{"data": dv})
}

func (h *Handler) SetCurrentVersion(c *fiber.Ctx) error {
	var body struct {
		VersionID string `json:"versionId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	msg, err := h.engine.SetCurrentVersion(c.Context(), auth.GetRequester(c), c.Params("studyId"), body.VersionID)
	if err != nil {
		return err
	}
	h.record(c, c.Params("studyId"), "version.set_current", map[string]any{"versionId": body.VersionID})
	return c.JSON(fiber.Map{"message": msg})
}

// --- Files ---

func (h *Handler) ListFiles(c *fiber.Ctx) error {
	entries, err := h.engine.GetStudyFiles(c.Context(), auth.GetRequester(c), c.Params("studyId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": entries})
}

func (h *Handler) UploadFile(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return engine.ValidationError("A file part named 'file' is required")
	}
	file, err := fileHeader.Open()
	if err != nil {
		return engine.InternalError(err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return engine.InternalError(err)
	}

	properties := make(map[string]string)
	if form, err := c.MultipartForm(); err == nil {
		for name, values := range form.Value {
			if len(values) > 0 {
				properties[name] = values[0]
			}
		}
	}

	entry, err := h.engine.UploadFileData(c.Context(), auth.GetRequester(c), c.Params("studyId"),
		c.Params("fieldId"), fileHeader.Filename, content, properties)
	if err != nil {
		return err
	}
	h.record(c, c.Params("studyId"), "file.upload", map[string]any{"fileId": entry.ID, "fileName": entry.FileName})
	return c.Status(201).JSON(fiber.Map{"data": entry})
}

func (h *Handler) DownloadFile(c *fiber.Ctx) error {
	entry, content, err := h.engine.DownloadFile(c.Context(), auth.GetRequester(c), c.Params("studyId"), c.Params("fileId"))
	if err != nil {
		return err
	}
	c.Set("Content-Disposition", "attachment; filename=\""+entry.FileName+"\"")
	return c.Send(content)
}
