// Package handler adapts HTTP transports to the chat usecase.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"ledger-agent/internal/domain"
	"ledger-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10
)

var newCorrelationID = uuid.NewString

type ChatUsecase interface {
	Chat(ctx context.Context, userID int64, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	BookID         int64  `json:"bookId"`
	Message        string `json:"message"`
}

type chatResponse struct {
	ConversationID string                     `json:"conversationId"`
	NeedsMoreInfo  bool                       `json:"needsMoreInfo"`
	Message        string                     `json:"message"`
	Suggestions    []string                   `json:"suggestions"`
	Transaction    *domain.TransactionSummary `json:"transaction,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type Handler struct {
	uc ChatUsecase
}

func NewHandler(uc ChatUsecase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: usecase must not be nil")
	}
	return &Handler{uc: uc}, nil
}

// Handle serves POST /ai/chat behind API Gateway. The user id comes from the
// authorizer context.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}

	var status int
	var payload any
	userID, ok := authorizerUser(req.RequestContext.Authorizer)
	switch body, err := requestBody(req); {
	case !ok:
		status, payload = http.StatusForbidden, errorResponse{Error: string(usecase.ErrorUnauthorized), Reason: "missing_principal"}
	case err != nil:
		slog.InfoContext(ctx, "invalid request body", "correlation_id", correlationID, "err", err)
		status, payload = http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorValidation), Reason: "invalid_body"}
	default:
		status, payload = h.Serve(ctx, correlationID, userID, body)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("handler: marshal response: %w", err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}, nil
}

// requestBody returns the raw body, decoding it when API Gateway delivered it
// base64 encoded.
func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 body: %w", err)
	}
	return body, nil
}

// Serve runs one chat turn for an authenticated user and returns the status
// and JSON payload. Transports only differ in how they find the user.
func (h *Handler) Serve(ctx context.Context, correlationID string, userID int64, body []byte) (int, any) {
	logger := slog.With("correlation_id", correlationID)

	if len(body) > maxBodyBytes {
		return http.StatusRequestEntityTooLarge, errorResponse{Error: string(usecase.ErrorValidation), Reason: "body_too_large"}
	}
	var req chatRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		logger.InfoContext(ctx, "invalid request body", "err", err)
		return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorValidation), Reason: "invalid_body"}
	}

	out, err := h.uc.Chat(ctx, userID, usecase.ChatInput{
		ConversationID: req.ConversationID,
		BookID:         req.BookID,
		Message:        req.Message,
	})
	if err != nil {
		status, resp := errorPayload(err)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "chat failed", "status", status, "reason", resp.Reason, "err", err)
		} else {
			logger.InfoContext(ctx, "chat rejected", "status", status, "reason", resp.Reason)
		}
		return status, resp
	}

	suggestions := out.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	logger.InfoContext(ctx, "chat turn served",
		"conversation_id", out.ConversationID,
		"needs_more_info", out.NeedsMoreInfo)
	return http.StatusOK, chatResponse{
		ConversationID: out.ConversationID,
		NeedsMoreInfo:  out.NeedsMoreInfo,
		Message:        out.Message,
		Suggestions:    suggestions,
		Transaction:    out.Transaction,
	}
}

func errorPayload(err error) (int, errorResponse) {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "unexpected_error"}
	}
	return statusFor(uerr.Code), errorResponse{Error: string(uerr.Code), Reason: uerr.Reason}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized, usecase.ErrorInvalidReference:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorGatewayProtocol:
		return http.StatusBadGateway
	case usecase.ErrorGatewayUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// authorizerUser reads the user id from a Lambda authorizer (principalId) or
// a JWT authorizer (claims.sub).
func authorizerUser(auth map[string]interface{}) (int64, bool) {
	if auth == nil {
		return 0, false
	}
	if id, ok := parseUserID(auth["principalId"]); ok {
		return id, true
	}
	if claims, ok := auth["claims"].(map[string]interface{}); ok {
		return parseUserID(claims["sub"])
	}
	return 0, false
}

func parseUserID(v any) (int64, bool) {
	switch t := v.(type) {
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return id, err == nil && id > 0
	case float64:
		id := int64(t)
		return id, float64(id) == t && id > 0
	case json.Number:
		id, err := t.Int64()
		return id, err == nil && id > 0
	default:
		return 0, false
	}
}
