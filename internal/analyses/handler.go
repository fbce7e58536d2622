package analyses

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"analysis-backend/internal/shared/server/middleware"
	"analysis-backend/internal/shared/server/respond"
	"analysis-backend/internal/usage"
)

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses", h.submit)
	rg.GET("/analyses", h.listAnalyses)
	rg.GET("/analyses/:id", h.getAnalysis)
	rg.GET("/analyses/:id/status", h.getStatus)
	rg.POST("/analyses/:id/retry", h.retry)
}

type submitRequest struct {
	Domain         string            `json:"domain"`
	Source         Source            `json:"source"`
	Artifacts      []ArtifactRef     `json:"artifacts"`
	Providers      []string          `json:"providers"`
	MasterProvider string            `json:"masterProvider"`
	Credentials    map[string]string `json:"credentials"`
}

type retryRequest struct {
	Stage          string            `json:"stage"`
	Substitutions  []Substitution    `json:"substitutions"`
	MasterProvider string            `json:"masterProvider"`
	Credentials    map[string]string `json:"credentials"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	out, err := h.Svc.Submit(ctx, SubmitInput{
		UserID:         middleware.UserIDFromContext(c),
		Domain:         req.Domain,
		Source:         req.Source,
		Artifacts:      req.Artifacts,
		Providers:      req.Providers,
		MasterProvider: req.MasterProvider,
		Credentials:    req.Credentials,
	})
	if err != nil {
		writeError(c, err, "failed to run analysis")
		return
	}
	respond.OK(c, gin.H{
		"analysisId": out.Analysis.ID,
		"status":     out.Analysis.Status,
		"finalScore": out.Analysis.FinalScore,
		"succeeded":  out.Succeeded,
		"requested":  out.Requested,
		"summary":    out.Summary(),
	})
}

func (h *Handler) retry(c *gin.Context) {
	var req retryRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
			return
		}
	}
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	res, err := h.Svc.Retry(ctx, RetryInput{
		AnalysisID:     c.Param("id"),
		UserID:         middleware.UserIDFromContext(c),
		Stage:          req.Stage,
		Substitutions:  req.Substitutions,
		MasterProvider: req.MasterProvider,
		Credentials:    req.Credentials,
	})
	if err != nil {
		writeError(c, err, "failed to retry analysis")
		return
	}
	respond.OK(c, gin.H{
		"retried":     res.Retried,
		"failed":      res.Failed,
		"synthesized": res.Synthesized,
		"status":      res.Analysis.Status,
		"finalScore":  res.Analysis.FinalScore,
	})
}

func (h *Handler) getAnalysis(c *gin.Context) {
	d, err := h.Svc.Detail(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to fetch analysis")
		return
	}
	respond.OK(c, d)
}

func (h *Handler) getStatus(c *gin.Context) {
	p, err := h.Svc.Status(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to fetch analysis status")
		return
	}
	respond.OK(c, p)
}

func (h *Handler) listAnalyses(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	limit, offset = clampPage(limit, offset)

	items, err := h.Svc.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list analyses", nil)
		return
	}

	resp := make([]gin.H, 0, len(items))
	for _, a := range items {
		resp = append(resp, gin.H{
			"analysisId":     a.ID,
			"domain":         a.Domain,
			"status":         a.Status,
			"finalScore":     a.FinalScore,
			"providersUsed":  a.ProvidersUsed,
			"masterProvider": a.MasterProvider,
			"createdAt":      a.CreatedAt,
		})
	}
	respond.OK(c, resp)
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrValidation):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, usage.ErrLimitReached):
		respond.Error(c, http.StatusTooManyRequests, "limit_reached", "Daily token budget exhausted. Try again after the reset or supply your own provider keys.", []map[string]string{
			{"field": "usage", "issue": "limit_reached"},
		})
	case errors.Is(err, ErrNoProvidersAvailable):
		respond.Error(c, http.StatusUnprocessableEntity, "providers_unavailable", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
	case errors.Is(err, ErrNothingToSynthesize):
		respond.Error(c, http.StatusConflict, "nothing_to_synthesize", err.Error(), nil)
	case errors.Is(err, ErrRetryInProgress):
		respond.Error(c, http.StatusConflict, "retry_in_progress", err.Error(), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}
