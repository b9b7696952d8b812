package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/serialbridge/internal/platform/errors"
)

func (s *Server) handleListDevices(c echo.Context) error {
	if err := c.JSON(http.StatusOK, s.devices.Summaries()); err != nil {
		return fmt.Errorf("failed to write devices response: %w", err)
	}
	return nil
}

func (s *Server) deviceForSlug(c echo.Context) (string, error) {
	slug := c.Param("slug")
	name, ok := s.devices.NameForSlug(slug)
	if !ok {
		return "", apperrors.NotFoundError("device not found").WithContext("slug", slug)
	}
	return name, nil
}

func (s *Server) handleRunCommand(c echo.Context) error {
	name, err := s.deviceForSlug(c)
	if err != nil {
		return err
	}

	command := c.FormValue("command")
	if command == "" {
		return apperrors.ValidationError("command is required").WithContext("device", name)
	}

	if err := s.control.RunCommand(c.Request().Context(), name, command); err != nil {
		return domainError(err, apperrors.ExternalError("command failed", nil)).
			WithContext("device", name).
			WithContext("command", command)
	}

	return c.NoContent(http.StatusNoContent)
}

// handleSerialConnection answers with the link state after the attempt, the
// same state every subscriber of the device just received.
func (s *Server) handleSerialConnection(c echo.Context) error {
	name, err := s.deviceForSlug(c)
	if err != nil {
		return err
	}

	state := c.FormValue("state")
	if err := s.control.SetLinkState(c.Request().Context(), name, state); err != nil {
		return domainError(err, apperrors.ExternalError("serial link change failed", nil)).
			WithContext("device", name).
			WithContext("state", state)
	}

	event, err := s.control.SerialState(name)
	if err != nil {
		return domainError(err, apperrors.InternalError("failed to read serial state", nil))
	}
	if err := c.JSON(http.StatusOK, event); err != nil {
		return fmt.Errorf("failed to write serial state response: %w", err)
	}
	return nil
}
