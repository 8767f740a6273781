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
	"github.com/xilu0/kiro-gateway/internal/openai"
	"github.com/xilu0/kiro-gateway/internal/tokens"
)

// ChatHandler handles POST /v1/chat/completions (OpenAI protocol). Requests
// are normalized into the Anthropic shape, run through the same Kiro
// pipeline, and re-serialized as OpenAI responses on the way out.
type ChatHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	warnTokens     int
	criticalTokens int
}

// ChatHandlerOptions configures the chat handler.
type ChatHandlerOptions struct {
	Dispatcher     *dispatch.Dispatcher
	Logger         *slog.Logger
	WarnTokens     int
	CriticalTokens int
}

// NewChatHandler creates a new chat-completions handler.
func NewChatHandler(opts ChatHandlerOptions) *ChatHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		dispatcher:     opts.Dispatcher,
		logger:         logger,
		warnTokens:     opts.WarnTokens,
		criticalTokens: opts.CriticalTokens,
	}
}

// ServeHTTP handles the chat-completions request.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		writeOpenAIError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "messages must contain at least one message")
		return
	}

	normalized, err := openai.ToAnthropic(&req)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}
	// An OpenAI conversation of only system messages normalizes to zero
	// turns; the translator would reject it downstream with a less helpful
	// message.
	if len(normalized.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "messages must contain at least one non-system message")
		return
	}

	warning := contextWarning(len(body), h.warnTokens, h.criticalTokens)
	estimatedInput := tokens.EstimateBody(body)

	if req.Stream {
		h.handleStreaming(r.Context(), w, normalized, estimatedInput, warning)
	} else {
		h.handleNonStreaming(r.Context(), w, normalized, estimatedInput, warning)
	}
}

func (h *ChatHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, estimatedInput int, warning string) {
	startTime := time.Now()

	upstream, acc, err := h.dispatcher.Do(ctx, dispatchCall(req))
	if err != nil {
		writeOpenAIDispatchError(w, err)
		return
	}
	defer func() { _ = upstream.Close() }()

	sse := claude.NewSSEWriter(w)
	sse.WriteHeaders()

	converter := claude.NewConverter(req.Model, estimatedInput)
	translator := openai.NewChunkTranslator(req.Model, startTime.Unix())
	reader := newEventReader(upstream)
	defer reader.Close()

	if warning != "" {
		warnChunks := translator.Translate(&claude.SSEEvent{
			Type: "warning",
			Data: claude.WarningEvent{Type: "warning", Message: warning},
		})
		if err := h.writeChunks(sse, warnChunks); err != nil {
			return
		}
	}

	for {
		ev, ok := reader.Next(ctx)
		if !ok {
			break
		}
		for _, event := range converter.Convert(ev) {
			if err := h.writeChunks(sse, translator.Translate(event)); err != nil {
				h.logger.Warn("stream write failed", "error", err, "account", acc.ID)
				return
			}
		}
	}

	if !reader.SawEvents() && reader.LooksLikeException() {
		h.dispatcher.Penalize(acc.ID, "upstream stream unintelligible")
		if !sse.Started() {
			writeOpenAIError(w, http.StatusBadGateway, "upstream response could not be parsed")
		}
		return
	}

	for _, event := range converter.Finish() {
		if err := h.writeChunks(sse, translator.Translate(event)); err != nil {
			h.logger.Warn("stream finish failed", "error", err)
			return
		}
	}
	_ = sse.WriteRaw("data: [DONE]\n\n")

	usage := converter.Usage()
	h.logger.Info("request completed",
		"model", req.Model,
		"account", acc.ID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

func (h *ChatHandler) writeChunks(sse *claude.SSEWriter, chunks []*openai.ChatCompletionChunk) error {
	for _, chunk := range chunks {
		data, err := openai.MarshalChunk(chunk)
		if err != nil {
			return err
		}
		if err := sse.WriteRaw("data: " + string(data) + "\n\n"); err != nil {
			return err
		}
	}
	return nil
}

func (h *ChatHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, estimatedInput int, warning string) {
	startTime := time.Now()

	upstream, acc, err := h.dispatcher.Do(ctx, dispatchCall(req))
	if err != nil {
		writeOpenAIDispatchError(w, err)
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
		writeOpenAIError(w, http.StatusBadGateway, "upstream response could not be parsed")
		return
	}

	message := aggregator.Build()
	resp := openai.FromMessageResponse(message, startTime.Unix())
	resp.Warning = warning

	h.logger.Info("request completed",
		"model", req.Model,
		"account", acc.ID,
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeOpenAIError writes an OpenAI-style error body.
func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    openAIErrorType(status),
		},
	})
}

func openAIErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusServiceUnavailable:
		return "overloaded_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// writeOpenAIDispatchError maps dispatcher failures onto OpenAI error bodies.
func writeOpenAIDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrNoHealthyAccounts) {
		writeOpenAIError(w, http.StatusServiceUnavailable, "No healthy accounts available")
		return
	}
	if errors.Is(err, kiro.ErrNoMessages) {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}
	var dispErr *dispatch.Error
	if errors.As(err, &dispErr) {
		writeOpenAIError(w, dispErr.Status, dispErr.Message)
		return
	}
	writeOpenAIError(w, http.StatusBadGateway, fmt.Sprintf("upstream error: %v", err))
}
