package handler

import (
	"errors"
	"net/http"
	"os"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// MediaHandler serves stored reference photos and flagged snapshots to
// proctors.
type MediaHandler struct {
	mediaService *service.MediaService
}

// NewMediaHandler creates a new MediaHandler.
func NewMediaHandler(mediaService *service.MediaService) *MediaHandler {
	return &MediaHandler{mediaService: mediaService}
}

// ServeUpload godoc
// GET /uploads/*filepath
func (h *MediaHandler) ServeUpload(c *gin.Context) {
	f, err := h.mediaService.Open("/uploads" + path.Clean("/"+c.Param("filepath")))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}
