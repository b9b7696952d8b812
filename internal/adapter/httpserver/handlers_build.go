package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/serialbridge/internal/buildstatus"
	apperrors "github.com/pscheid92/serialbridge/internal/platform/errors"
)

const maxBuildBodyBytes = 64 << 10

// handleBuildAction takes build progress reports from CI, e.g.
// POST /build/stage-push {"device": "Lab", "stage": "Flash"}.
func (s *Server) handleBuildAction(c echo.Context) error {
	action := c.Param("action")

	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxBuildBodyBytes)
	var update buildstatus.Update
	if err := (&echo.DefaultBinder{}).BindBody(c, &update); err != nil {
		return apperrors.ValidationError("invalid build update body").WithCause(err).WithContext("action", action)
	}
	if update.Device == "" {
		return apperrors.ValidationError("device is required").WithContext("action", action)
	}

	if err := s.builds.Apply(c.Request().Context(), action, update); err != nil {
		return domainError(err, apperrors.InternalError("build update failed", nil)).
			WithContext("action", action).
			WithContext("device", update.Device)
	}

	return c.NoContent(http.StatusNoContent)
}
