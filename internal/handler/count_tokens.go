package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/xilu0/kiro-gateway/internal/claude"
	"github.com/xilu0/kiro-gateway/internal/tokens"
)

// CountTokensHandler handles POST /v1/messages/count_tokens with local
// estimation; no upstream call is made.
type CountTokensHandler struct {
	logger *slog.Logger
}

// NewCountTokensHandler creates a count-tokens handler.
func NewCountTokensHandler(logger *slog.Logger) *CountTokensHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CountTokensHandler{logger: logger}
}

// ServeHTTP estimates the input token count of the given request.
func (h *CountTokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		claude.NewInvalidRequestError("failed to read request body: " + err.Error()).WriteError(w)
		return
	}

	var req claude.MessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		claude.NewInvalidRequestError("Invalid JSON: " + err.Error()).WriteError(w)
		return
	}
	if len(req.Messages) == 0 {
		claude.NewInvalidRequestError("messages: field is required").WriteError(w)
		return
	}

	count := tokens.EstimateBody(body)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"input_tokens": count})
}
