package users

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"analysis-backend/internal/shared/server/middleware"
	"analysis-backend/internal/shared/server/respond"
)

type Handler struct {
	Svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/me", h.me)
}

func (h *Handler) me(c *gin.Context) {
	if h.Svc == nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "service unavailable", nil)
		return
	}
	userID := middleware.UserIDFromContext(c)
	user, err := h.Svc.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "user not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load user", nil)
		return
	}
	keys, err := h.Svc.ProviderKeys(c.Request.Context(), userID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load provider keys", nil)
		return
	}
	configured := make([]string, 0, len(keys))
	for provider := range keys {
		configured = append(configured, provider)
	}
	sort.Strings(configured)
	respond.JSON(c, http.StatusOK, gin.H{
		"id":              user.ID,
		"email":           user.Email,
		"tier":            user.Tier,
		"dailyTokenLimit": user.DailyTokenLimit,
		"unrestricted":    user.Unrestricted,
		"providerKeys":    configured,
	})
}
