package artifacts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"analysis-backend/internal/shared/server/middleware"
	"analysis-backend/internal/shared/server/respond"
	"analysis-backend/internal/shared/storage/object"
)

const maxUploadSize = 10 << 20 // 10MB

// Handler stores uploaded sources and artifacts under the caller's namespace.
// The returned key is what analysis submissions reference.
type Handler struct {
	Store object.ObjectStore
}

func NewHandler(store object.ObjectStore) *Handler {
	return &Handler{Store: store}
}

// RegisterRoutes attaches upload routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/artifacts", h.upload)
}

func (h *Handler) upload(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	obj, err := h.Store.Save(c.Request.Context(), userID, fileHeader.Filename, file)
	if err != nil {
		if errors.Is(err, object.ErrInvalidKey) {
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid file name", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to store file", nil)
		return
	}
	respond.Created(c, gin.H{
		"key":      obj.Key,
		"size":     obj.Size,
		"mimeType": obj.MimeType,
		"name":     fileHeader.Filename,
	})
}
