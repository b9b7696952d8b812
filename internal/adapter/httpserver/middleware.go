package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/serialbridge/internal/domain"
	"github.com/pscheid92/serialbridge/internal/platform/correlation"
	apperrors "github.com/pscheid92/serialbridge/internal/platform/errors"
)

const correlationHeader = "X-Correlation-ID"

// correlationMiddleware reuses an incoming X-Correlation-ID or mints a new one
// and echoes it back on the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlationHeader)
		if id == "" {
			id = correlation.NewID()
		}
		c.Response().Header().Set(correlationHeader, id)
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (s *Server) errorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				s.countError(WrapHTTPError(httpErr).Type)
				return err
			}

			structuredErr := apperrors.AsStructuredError(err)
			s.countError(structuredErr.Type)
			logError(c, structuredErr)

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

func (s *Server) countError(t apperrors.ErrorType) {
	if s.httpMetrics != nil {
		s.httpMetrics.ErrorsTotal.WithLabelValues(string(t)).Inc()
	}
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound, apperrors.TypeForbidden:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeConflict, apperrors.TypeUnavailable:
		slog.WarnContext(ctx, "Request conflicted", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Request failed", attrs...)
	}
}

// WrapHTTPError converts echo's own errors (404 routes, 429 from the rate
// limiter, malformed binds) into the structured form.
func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var errType apperrors.ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		errType = apperrors.TypeValidation
	case http.StatusForbidden:
		errType = apperrors.TypeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		errType = apperrors.TypeNotFound
	case http.StatusConflict:
		errType = apperrors.TypeConflict
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		errType = apperrors.TypeUnavailable
	case http.StatusBadGateway:
		errType = apperrors.TypeExternal
	default:
		errType = apperrors.TypeInternal
	}

	err := &apperrors.Error{Type: errType, Message: message, Context: make(map[string]any)}
	if httpErr.Internal != nil {
		err.Cause = httpErr.Internal
	}
	return err
}

// domainError maps domain sentinels to structured errors. Anything unknown
// becomes fallback with err as its cause.
func domainError(err error, fallback *apperrors.Error) *apperrors.Error {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		return apperrors.NotFoundError("device not found")
	case errors.Is(err, domain.ErrForbiddenCommand):
		return apperrors.ForbiddenError("command not permitted for device")
	case errors.Is(err, domain.ErrInvalidLinkState),
		errors.Is(err, domain.ErrInvalidBuildUpdate),
		errors.Is(err, domain.ErrNoActiveBuild):
		return apperrors.ValidationError(err.Error())
	case errors.Is(err, domain.ErrAlreadyConnected), errors.Is(err, domain.ErrNotConnected):
		return apperrors.ConflictError(err.Error())
	case errors.Is(err, domain.ErrUnknownBuildAction):
		return apperrors.NotFoundError(err.Error())
	case errors.Is(err, domain.ErrTooManySubscribers), errors.Is(err, domain.ErrHubStopped):
		return apperrors.UnavailableError(err.Error(), err)
	default:
		return fallback.WithCause(err)
	}
}
