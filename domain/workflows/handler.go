package workflows

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/proposedchange"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/internal/jobs"
	"github.com/emergent-company/branchgraph/pkg/apperror"
)

// maxSchemaBody bounds an uploaded schema document.
const maxSchemaBody = 4 << 20

// Handler handles the branch trigger endpoints
type Handler struct {
	flows    *Flows
	dispatch *Dispatcher
	reg      *registry.Registry
	queue    *jobs.Queue
	proposed *proposedchange.Repository
}

// NewHandler creates a new workflows handler
func NewHandler(flows *Flows, dispatch *Dispatcher, reg *registry.Registry, queue *jobs.Queue, proposed *proposedchange.Repository) *Handler {
	return &Handler{flows: flows, dispatch: dispatch, reg: reg, queue: queue, proposed: proposed}
}

type jobAccepted struct {
	JobID string `json:"job_id"`
	Job   string `json:"job"`
}

func async(c echo.Context) bool {
	v, _ := strconv.ParseBool(c.QueryParam("async"))
	return v
}

// List handles GET /api/branches
func (h *Handler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.reg.Branches())
}

// Get handles GET /api/branches/:name
func (h *Handler) Get(c echo.Context) error {
	b, err := h.reg.Branch(c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

// Create handles POST /api/branches. The optional "at" query parameter
// (RFC 3339) forks the branch from an earlier instant.
func (h *Handler) Create(c echo.Context) error {
	var req branch.CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	var at time.Time
	if raw := c.QueryParam("at"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return apperror.ErrBadRequest.WithMessage("invalid at timestamp")
		}
		at = t
	}
	if async(c) {
		if err := req.Validate(); err != nil {
			return err
		}
		return h.submit(c, JobBranchCreate, req.Name, CreatePayload{CreateRequest: req, At: at})
	}
	b, err := h.flows.CreateBranch(c.Request().Context(), &req, at)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, b)
}

// Rebase handles POST /api/branches/:name/rebase
func (h *Handler) Rebase(c echo.Context) error {
	name := c.Param("name")
	if async(c) {
		return h.submit(c, JobBranchRebase, name, BranchPayload{Branch: name})
	}
	res, err := h.flows.RebaseBranch(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Merge handles POST /api/branches/:name/merge
func (h *Handler) Merge(c echo.Context) error {
	name := c.Param("name")
	if async(c) {
		return h.submit(c, JobBranchMerge, name, BranchPayload{Branch: name})
	}
	res, err := h.flows.MergeBranch(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Delete handles DELETE /api/branches/:name
func (h *Handler) Delete(c echo.Context) error {
	name := c.Param("name")
	if async(c) {
		return h.submit(c, JobBranchDelete, name, BranchPayload{Branch: name})
	}
	if err := h.flows.DeleteBranch(c.Request().Context(), name); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Validate handles POST /api/branches/:name/validate
func (h *Handler) Validate(c echo.Context) error {
	res, err := h.flows.ValidateBranch(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Diff handles GET /api/branches/:name/diff
func (h *Handler) Diff(c echo.Context) error {
	d, err := h.flows.GetDiff(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// LoadSchema handles POST /api/branches/:name/schema with a YAML body
func (h *Handler) LoadSchema(c echo.Context) error {
	name := c.Param("name")
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSchemaBody))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	defs, err := schema.ParseYAML(body)
	if err != nil {
		return apperror.NewBadRequest(err.Error())
	}
	if async(c) {
		return h.submit(c, JobSchemaLoad, name, SchemaLoadPayload{Branch: name, YAML: string(body)})
	}
	res, err := h.flows.LoadSchema(c.Request().Context(), name, defs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ListProposedChanges handles GET /api/branches/:name/proposed-changes
func (h *Handler) ListProposedChanges(c echo.Context) error {
	out, err := h.proposed.ListForBranch(c.Request().Context(), c.Param("name"), proposedchange.State(c.QueryParam("state")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// CreateProposedChange handles POST /api/proposed-changes
func (h *Handler) CreateProposedChange(c echo.Context) error {
	var req proposedchange.CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if _, err := h.reg.Branch(req.SourceBranch); err != nil {
		return err
	}
	pc, err := h.proposed.Create(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, pc)
}

// CloseProposedChange handles POST /api/proposed-changes/:id/close
func (h *Handler) CloseProposedChange(c echo.Context) error {
	if err := h.proposed.SetState(c.Request().Context(), c.Param("id"), proposedchange.StateClosed); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GetJob handles GET /api/jobs/:id
func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if job == nil {
		return apperror.NewNotFound("job", c.Param("id"))
	}
	return c.JSON(http.StatusOK, job)
}

// JobStats handles GET /api/jobs/stats
func (h *Handler) JobStats(c echo.Context) error {
	stats, err := h.queue.GetStats(c.Request().Context())
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) submit(c echo.Context, job, branchName string, payload any) error {
	id, err := h.dispatch.Submit(c.Request().Context(), job, branchName, payload)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusAccepted, jobAccepted{JobID: id, Job: job})
}
