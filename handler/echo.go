package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ledger-agent/internal/usecase"
)

const userHeader = "X-User-Id"

// RegisterRoutes mounts the chat endpoint on an echo server. The user id is
// taken from X-User-Id, which a trusted proxy must set.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/ai/chat", h.chat)
}

func (h *Handler) chat(c echo.Context) error {
	req := c.Request()
	correlationID := strings.TrimSpace(req.Header.Get(correlationHeader))
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	c.Response().Header().Set(correlationHeader, correlationID)

	userID, ok := parseUserID(req.Header.Get(userHeader))
	if !ok {
		return c.JSON(http.StatusForbidden, errorResponse{Error: string(usecase.ErrorUnauthorized), Reason: "missing_user_header"})
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorValidation), Reason: "invalid_body"})
	}
	status, payload := h.Serve(req.Context(), correlationID, userID, body)
	return c.JSON(status, payload)
}
