package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xilu0/kiro-gateway/internal/claude"
	"github.com/xilu0/kiro-gateway/internal/dispatch"
	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/store"
	"github.com/xilu0/kiro-gateway/internal/tokens"
)

// MessagesHandler handles POST /v1/messages (Anthropic protocol).
type MessagesHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	warnTokens     int
	criticalTokens int
}

// MessagesHandlerOptions configures the messages handler.
type MessagesHandlerOptions struct {
	Dispatcher     *dispatch.Dispatcher
	Logger         *slog.Logger
	WarnTokens     int
	CriticalTokens int
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagesHandler{
		dispatcher:     opts.Dispatcher,
		logger:         logger,
		warnTokens:     opts.WarnTokens,
		criticalTokens: opts.CriticalTokens,
	}
}

// ServeHTTP handles the messages request.
func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, req, apiErr := decodeMessageRequest(r)
	if apiErr != nil {
		apiErr.WriteError(w)
		return
	}

	warning := contextWarning(len(body), h.warnTokens, h.criticalTokens)
	estimatedInput := tokens.EstimateBody(body)

	if req.Stream {
		h.handleStreaming(r.Context(), w, req, estimatedInput, warning)
	} else {
		h.handleNonStreaming(r.Context(), w, req, estimatedInput, warning)
	}
}

// decodeMessageRequest reads the body once and validates the request shape.
func decodeMessageRequest(r *http.Request) ([]byte, *claude.MessageRequest, *claude.APIError) {
	body, err := readBody(r)
	if err != nil {
		return nil, nil, claude.NewInvalidRequestError("failed to read request body: " + err.Error())
	}

	var req claude.MessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, claude.NewInvalidRequestError("Invalid JSON: " + err.Error())
	}
	if req.Model == "" {
		return nil, nil, claude.NewInvalidRequestError("model: field is required")
	}
	if len(req.Messages) == 0 {
		return nil, nil, claude.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}
	for i, msg := range req.Messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return nil, nil, claude.NewInvalidRequestError(
				fmt.Sprintf("messages[%d].role: must be 'user' or 'assistant', got '%s'", i, msg.Role))
		}
	}
	return body, &req, nil
}

// dispatchCall builds the dispatcher call for an Anthropic-shaped request.
func dispatchCall(req *claude.MessageRequest) *dispatch.Call {
	return &dispatch.Call{
		Model: req.Model,
		BuildBody: func(acc *store.Account) ([]byte, error) {
			messagesJSON, err := kiro.MarshalNoHTMLEscape(req.Messages)
			if err != nil {
				return nil, err
			}
			var toolsJSON []byte
			if len(req.Tools) > 0 {
				toolsJSON, err = kiro.MarshalNoHTMLEscape(req.Tools)
				if err != nil {
					return nil, err
				}
			}
			kiroReq, err := kiro.BuildRequest(kiro.BuildOptions{
				Model:        req.Model,
				MessagesJSON: messagesJSON,
				System:       req.GetSystemString(),
				ToolsJSON:    toolsJSON,
				ProfileARN:   acc.Credentials.ProfileARN,
				Social:       acc.Credentials.IsSocial(),
			})
			if err != nil {
				return nil, err
			}
			return kiro.MarshalNoHTMLEscape(kiroReq)
		},
	}
}

func (h *MessagesHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, estimatedInput int, warning string) {
	startTime := time.Now()

	upstream, acc, err := h.dispatcher.Do(ctx, dispatchCall(req))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	defer func() { _ = upstream.Close() }()

	sse := claude.NewSSEWriter(w)
	sse.WriteHeaders()

	if warning != "" {
		_ = sse.WriteEvent("warning", claude.WarningEvent{Type: "warning", Message: warning})
	}

	converter := claude.NewConverter(req.Model, estimatedInput)
	reader := newEventReader(upstream)
	defer reader.Close()

	for {
		ev, ok := reader.Next(ctx)
		if !ok {
			break
		}
		if err := sse.WriteEvents(converter.Convert(ev)); err != nil {
			// Client gone or broken pipe: terminal, drop the upstream stream.
			h.logger.Warn("stream write failed", "error", err, "account", acc.ID)
			return
		}
	}

	if !reader.SawEvents() && reader.LooksLikeException() {
		h.dispatcher.Penalize(acc.ID, "upstream stream unintelligible")
		if !sse.Started() {
			claude.NewUpstreamError("Upstream response could not be parsed", http.StatusBadGateway).WriteError(w)
			return
		}
		_ = sse.WriteError(claude.NewUpstreamError("Upstream response could not be parsed", http.StatusBadGateway))
		return
	}

	if err := sse.WriteEvents(converter.Finish()); err != nil {
		h.logger.Warn("stream finish failed", "error", err)
		return
	}

	usage := converter.Usage()
	h.logger.Info("request completed",
		"model", req.Model,
		"account", acc.ID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

func (h *MessagesHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, estimatedInput int, warning string) {
	startTime := time.Now()

	upstream, acc, err := h.dispatcher.Do(ctx, dispatchCall(req))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	defer func() { _ = upstream.Close() }()

	aggregator := claude.NewAggregator(req.Model, estimatedInput)
	reader := newEventReader(upstream)
	defer reader.Close()

	for {
		ev, ok := reader.Next(ctx)
		if !ok {
			break
		}
		aggregator.Add(ev)
	}

	if !reader.SawEvents() && reader.LooksLikeException() {
		h.dispatcher.Penalize(acc.ID, "upstream stream unintelligible")
		claude.NewUpstreamError("Upstream response could not be parsed", http.StatusBadGateway).WriteError(w)
		return
	}

	resp := aggregator.Build()
	resp.Warning = warning

	h.logger.Info("request completed",
		"model", req.Model,
		"account", acc.ID,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeDispatchError maps dispatcher failures onto Anthropic error bodies.
func writeDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrNoHealthyAccounts) {
		claude.ErrNoHealthyAccounts.WriteError(w)
		return
	}
	if errors.Is(err, kiro.ErrNoMessages) {
		claude.NewInvalidRequestError(err.Error()).WriteError(w)
		return
	}
	var dispErr *dispatch.Error
	if errors.As(err, &dispErr) {
		switch dispErr.Status {
		case http.StatusBadRequest:
			claude.NewInvalidRequestError(dispErr.Message).WriteError(w)
		case http.StatusUnauthorized:
			claude.NewAuthenticationError(dispErr.Message).WriteError(w)
		default:
			claude.NewUpstreamError(dispErr.Message, dispErr.Status).WriteError(w)
		}
		return
	}
	claude.NewUpstreamError(err.Error(), http.StatusBadGateway).WriteError(w)
}

// contextWarning returns the pre-flight warning for oversized requests.
// Requests are never rejected on size alone.
func contextWarning(bodyLen, warnTokens, criticalTokens int) string {
	estimated := bodyLen / tokens.CharsPerToken
	switch {
	case criticalTokens > 0 && estimated >= criticalTokens:
		return fmt.Sprintf("Estimated input of ~%d tokens is close to the model context limit; responses may be truncated or rejected upstream.", estimated)
	case warnTokens > 0 && estimated >= warnTokens:
		return fmt.Sprintf("Estimated input of ~%d tokens is large; consider trimming conversation history.", estimated)
	}
	return ""
}
