package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

// APIResponse is the envelope of every admin API reply.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, APIResponse{Success: true, Message: message, Data: data})
}

func respondError(c *gin.Context, status int, message string, err error) {
	resp := APIResponse{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

// storeError maps a repository error onto a status code and writes it.
// Unexpected errors are logged and reported as 500 without the cause.
func (s *Server) storeError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, postgres.ErrServerNotFound),
		errors.Is(err, postgres.ErrAdapterNotFound),
		errors.Is(err, postgres.ErrTargetNotFound):
		respondError(c, http.StatusNotFound, message, err)
	case errors.Is(err, postgres.ErrServerExists),
		errors.Is(err, postgres.ErrTargetExists):
		respondError(c, http.StatusConflict, message, err)
	default:
		s.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, message, nil)
	}
}

var errInvalidID = errors.New("invalid id")

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "无效的 ID", errInvalidID)
		return 0, false
	}
	return id, true
}
