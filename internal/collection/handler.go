package collection

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
)

// Handler adapts Service onto HTTP, the same range-query-over-aggregates
// shape the teacher's internal/projection.Service exposed, now gated on
// CollectionJob state (Start/Collectable/Finished) instead of serving an
// open read endpoint.
type Handler struct {
	svc *Service
}

// NewHandler builds a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the collection job operator API on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/tasks/:task_id/collection_jobs", h.HandleCreate)
	r.GET("/tasks/:task_id/collection_jobs/:job_id", h.HandleGet)
	r.DELETE("/tasks/:task_id/collection_jobs/:job_id", h.HandleDelete)
}

// HandleCreate handles POST /tasks/:task_id/collection_jobs.
func (h *Handler) HandleCreate(c *gin.Context) {
	taskID := c.Param("task_id")

	var body CreateCollectionJobBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeProblem(c, http.StatusBadRequest, "invalidRequest", "request body could not be parsed", err)
		return
	}

	req := CreateCollectionJobRequest{
		BatchIdentifier: body.BatchIdentifier,
		CurrentBatch:    body.CurrentBatch,
	}
	if body.IntervalStart != nil {
		req.IntervalStart = *body.IntervalStart
	}
	if body.IntervalEnd != nil {
		req.IntervalEnd = *body.IntervalEnd
	}
	if body.AggregationParam != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(body.AggregationParam)
		if err != nil {
			writeProblem(c, http.StatusBadRequest, "invalidRequest", "aggregation_param is not valid base64url", err)
			return
		}
		req.AggregationParam = decoded
	}

	job, err := h.svc.CreateCollectionJob(c.Request.Context(), taskID, req)
	if err != nil {
		if errors.Is(err, ErrInvalidQuery) {
			writeProblem(c, http.StatusBadRequest, "invalidRequest", err.Error(), nil)
			return
		}
		writeProblem(c, http.StatusInternalServerError, "internal", "failed to create collection job", err)
		return
	}

	c.JSON(http.StatusCreated, toResponse(job))
}

// HandleGet handles GET /tasks/:task_id/collection_jobs/:job_id.
func (h *Handler) HandleGet(c *gin.Context) {
	taskID := c.Param("task_id")
	jobID := c.Param("job_id")

	job, err := h.svc.GetCollectionJob(c.Request.Context(), taskID, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeProblem(c, http.StatusNotFound, "unrecognizedCollectionJob", "no such collection job", nil)
			return
		}
		writeProblem(c, http.StatusInternalServerError, "internal", "failed to fetch collection job", err)
		return
	}

	c.JSON(http.StatusOK, toResponse(job))
}

// HandleDelete handles DELETE /tasks/:task_id/collection_jobs/:job_id.
func (h *Handler) HandleDelete(c *gin.Context) {
	taskID := c.Param("task_id")
	jobID := c.Param("job_id")

	if err := h.svc.DeleteCollectionJob(c.Request.Context(), taskID, jobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeProblem(c, http.StatusNotFound, "unrecognizedCollectionJob", "no such collection job", nil)
			return
		}
		writeProblem(c, http.StatusInternalServerError, "internal", "failed to delete collection job", err)
		return
	}

	c.Status(http.StatusNoContent)
}

func toResponse(job *dap.CollectionJob) CollectionJobResponse {
	resp := CollectionJobResponse{
		TaskID: job.TaskID,
		JobID:  job.JobID,
		State:  string(job.State),
	}
	if job.State == dap.CollectionJobFinished {
		resp.LeaderAggregateShare = base64.RawURLEncoding.EncodeToString(job.LeaderAggregateShare)
		resp.ReportCount = job.ReportCount
		resp.Checksum = hex.EncodeToString(job.Checksum[:])
	}
	return resp
}

func writeProblem(c *gin.Context, status int, typ, detail string, err error) {
	d := detail
	if err != nil {
		d = detail + ": " + err.Error()
	}
	c.JSON(status, dap.Problem{
		Type:   "urn:ietf:params:ppm:dap:error:" + typ,
		Title:  detail,
		Status: status,
		Detail: d,
	})
}
