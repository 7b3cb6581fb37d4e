package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ticketing/settlement/internal/ledger"
)

// StatusFor maps ledger errors onto HTTP status codes.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case ledger.IsValidation(err):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders handler errors as {"error": "..."} with the mapped
// status. Storage failures are logged and hidden from the client.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := StatusFor(err)
		msg := err.Error()
		if status >= http.StatusInternalServerError {
			if logger != nil {
				logger.Error("request failed",
					slog.String("method", c.Method()),
					slog.String("path", c.Path()),
					slog.String("request_id", RequestIDFrom(c)),
					slog.Any("error", err),
				)
			}
			msg = http.StatusText(status)
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
}
