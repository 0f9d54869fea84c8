package resource

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirrepo/internal/platform/auth"
	"github.com/ehr/fhirrepo/internal/platform/db"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/pkg/pagination"
)

const fhirContentType = "application/fhir+json"

// StatusCode maps a repository error to its HTTP status.
func StatusCode(err error) int {
	if oe, ok := fhir.AsOutcomeError(err); ok {
		switch oe.Kind {
		case fhir.KindNotFound:
			return http.StatusNotFound
		case fhir.KindSecurity:
			return http.StatusForbidden
		default:
			return http.StatusBadRequest
		}
	}
	if errors.Is(err, errors.ErrUnsupported) {
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// Handler exposes the repository over the FHIR REST API.
type Handler struct {
	store    *Store
	logger   zerolog.Logger
	basePath string
}

// NewHandler serves store under basePath, for example "/fhir/R4".
func NewHandler(store *Store, basePath string, logger zerolog.Logger) *Handler {
	return &Handler{store: store, basePath: basePath, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Batch)
	g.POST("/", h.Batch)
	g.POST("/$process-message", h.ProcessMessage)

	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.Search)
	g.POST("/:type/$validate", h.Validate)
	g.POST("/:type", h.Create)

	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.PATCH("/:type/:id", h.Patch)

	g.GET("/:type/:id/$everything", h.PatientEverything)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.VRead)
}

// repo binds the store to the request's session and policy.
func (h *Handler) repo(c echo.Context) (*Repository, error) {
	ctx := c.Request().Context()
	sess := db.SessionFromContext(ctx)
	if sess == nil {
		return nil, errors.New("no database session on request")
	}
	return h.store.Open(sess, auth.PolicyFromContext(ctx)), nil
}

func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	if err := requireWrite(c, resourceType); err != nil {
		return h.fail(c, err)
	}
	res, err := readResource(c)
	if err != nil {
		return h.fail(c, err)
	}
	if res.ResourceType() != resourceType {
		return h.fail(c, fhir.Invalid("Incorrect resource type"))
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	created, err := repo.Create(c.Request().Context(), res)
	if err != nil {
		return h.fail(c, err)
	}
	h.versionHeaders(c, created)
	return h.respond(c, http.StatusCreated, created)
}

func (h *Handler) Update(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if err := requireWrite(c, resourceType); err != nil {
		return h.fail(c, err)
	}
	res, err := readResource(c)
	if err != nil {
		return h.fail(c, err)
	}
	if res.ResourceType() != resourceType {
		return h.fail(c, fhir.Invalid("Incorrect resource type"))
	}
	if res.ID() != "" && res.ID() != id {
		return h.fail(c, fhir.Invalid("Incorrect ID"))
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	updated, created, err := repo.write(c.Request().Context(), id, res)
	if err != nil {
		return h.fail(c, err)
	}
	h.versionHeaders(c, updated)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return h.respond(c, status, updated)
}

func (h *Handler) Read(c echo.Context) error {
	resourceType := c.Param("type")
	if err := requireRead(c, resourceType); err != nil {
		return h.fail(c, err)
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := repo.Read(c.Request().Context(), resourceType, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	h.versionHeaders(c, res)
	return h.respond(c, http.StatusOK, res)
}

func (h *Handler) VRead(c echo.Context) error {
	resourceType := c.Param("type")
	if err := requireRead(c, resourceType); err != nil {
		return h.fail(c, err)
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := repo.ReadVersion(c.Request().Context(), resourceType, c.Param("id"), c.Param("vid"))
	if err != nil {
		return h.fail(c, err)
	}
	h.versionHeaders(c, res)
	return h.respond(c, http.StatusOK, res)
}

func (h *Handler) History(c echo.Context) error {
	resourceType := c.Param("type")
	if err := requireRead(c, resourceType); err != nil {
		return h.fail(c, err)
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	bundle, err := repo.ReadHistory(c.Request().Context(), resourceType, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, bundle)
}

// Search accepts parameters in the query string and, for POST _search, in a
// form body.
func (h *Handler) Search(c echo.Context) error {
	resourceType := c.Param("type")
	values := url.Values{}
	for k, v := range c.QueryParams() {
		values[k] = append(values[k], v...)
	}
	if c.Request().Method == http.MethodPost {
		form, err := c.FormParams()
		if err != nil {
			return h.fail(c, fhir.Invalid("malformed search body: %v", err))
		}
		for k, v := range form {
			values[k] = append(values[k], v...)
		}
	}

	req, err := fhir.ParseSearchRequest(h.store.Registry(), resourceType, values)
	if err != nil {
		return h.fail(c, err)
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	bundle, err := repo.Search(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}

	page := pagination.Params{Page: req.Page, Count: req.Count}
	for _, l := range page.Links(h.basePath+"/"+resourceType, values, len(bundle.Entry)) {
		bundle.Link = append(bundle.Link, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return h.respond(c, http.StatusOK, bundle)
}

func (h *Handler) Batch(c echo.Context) error {
	bundle, err := readResource(c)
	if err != nil {
		return h.fail(c, err)
	}
	entries, _ := bundle["entry"].([]any)
	for _, e := range entries {
		entry, _ := e.(map[string]any)
		res, _ := entry["resource"].(map[string]any)
		if resourceType := fhir.Resource(res).ResourceType(); resourceType != "" {
			if err := requireWrite(c, resourceType); err != nil {
				return h.fail(c, err)
			}
		}
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := repo.ExecuteBatch(c.Request().Context(), bundle)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, out)
}

// Validate runs the create checks on the body without storing it.
func (h *Handler) Validate(c echo.Context) error {
	res, err := readResource(c)
	if err != nil {
		return h.fail(c, err)
	}
	if res.ResourceType() != c.Param("type") {
		return h.fail(c, fhir.Invalid("Incorrect resource type"))
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := repo.ValidateCreate(c.Request().Context(), res); err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, fhir.AllOK())
}

func (h *Handler) Delete(c echo.Context) error {
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Request().Context()
	resourceType, id := c.Param("type"), c.Param("id")
	if err := repo.ValidateDelete(ctx, resourceType, id); err != nil {
		return h.fail(c, err)
	}
	return h.fail(c, repo.Delete(ctx, resourceType, id))
}

func (h *Handler) Patch(c echo.Context) error {
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	_, err = repo.Patch(c.Request().Context(), c.Param("type"), c.Param("id"), body)
	return h.fail(c, err)
}

func (h *Handler) ProcessMessage(c echo.Context) error {
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	_, err = repo.ProcessMessage(c.Request().Context(), nil)
	return h.fail(c, err)
}

func (h *Handler) PatientEverything(c echo.Context) error {
	if c.Param("type") != "Patient" {
		return h.fail(c, fhir.Invalid("$everything is only defined for Patient"))
	}
	repo, err := h.repo(c)
	if err != nil {
		return h.fail(c, err)
	}
	_, err = repo.PatientEverything(c.Request().Context(), c.Param("id"))
	return h.fail(c, err)
}

func requireRead(c echo.Context, resourceType string) error {
	if !auth.PolicyFromContext(c.Request().Context()).CanRead(resourceType) {
		return fhir.Security("Cannot read resource type " + resourceType)
	}
	return nil
}

func requireWrite(c echo.Context, resourceType string) error {
	if !auth.PolicyFromContext(c.Request().Context()).CanWrite(resourceType) {
		return fhir.Security("Cannot write resource type " + resourceType)
	}
	return nil
}

// readResource decodes the request body. Body read errors, such as an
// exceeded size limit, pass through unchanged.
func readResource(c echo.Context) (fhir.Resource, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	res, err := fhir.ParseResource(body)
	if err != nil {
		return nil, fhir.Invalid("Failed to parse resource: %v", err)
	}
	return res, nil
}

func (h *Handler) versionHeaders(c echo.Context, res fhir.Resource) {
	hdr := c.Response().Header()
	if vid := res.VersionID(); vid != "" {
		hdr.Set("ETag", `W/"`+vid+`"`)
		hdr.Set(echo.HeaderLocation, h.basePath+"/"+res.Reference()+"/_history/"+vid)
	}
	if t := res.LastUpdated(); !t.IsZero() {
		hdr.Set(echo.HeaderLastModified, t.UTC().Format(http.TimeFormat))
	}
}

func (h *Handler) respond(c echo.Context, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, fhirContentType, body)
}

// fail writes err as an OperationOutcome. Echo errors, such as a 413 from
// the body limit, are handed back to echo.
func (h *Handler) fail(c echo.Context, err error) error {
	if err == nil {
		return c.NoContent(http.StatusNoContent)
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	return h.respond(c, status, fhir.OutcomeFor(err))
}
