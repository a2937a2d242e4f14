// ABOUTME: HTTP API handlers: chat turns streamed as SSE plus thread listing, history and delete
// ABOUTME: Maps domain errors to status codes before any stream output is written

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/taskagent-gateway/internal/conversation"
	"github.com/2389/taskagent-gateway/internal/store"
	"github.com/2389/taskagent-gateway/internal/threadstate"
)

// maxChatBody caps the size of a chat request body.
const maxChatBody = 1 << 20

// RequestIDHeader carries the client's idempotency key for a chat turn.
const RequestIDHeader = "X-Request-ID"

// ChatRequest is the JSON request body for POST /api/chat/stream.
type ChatRequest struct {
	Message         string  `json:"message"`
	ThreadReference *string `json:"threadReference"`
}

// DuplicateResponse is the 409 body for a replayed request ID.
type DuplicateResponse struct {
	Error  string `json:"error"`
	TurnID string `json:"turnId"`
}

func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// handleChatStream handles POST /api/chat/stream. Errors found while
// resolving the request are returned as JSON; once the first frame is
// written every outcome is reported in-band.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := parseChatRequest(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	turnID := uuid.New().String()
	if existing, dup := g.requests.Claim(requestID, turnID); dup {
		g.logger.Info("duplicate chat request rejected", "request_id", requestID, "turn_id", existing)
		g.sendJSON(w, http.StatusConflict, DuplicateResponse{Error: "duplicate request", TurnID: existing})
		return
	}

	var reference string
	if req.ThreadReference != nil {
		reference = *req.ThreadReference
	}
	turn, err := g.orchestrator.Stream(r.Context(), conversation.TurnRequest{
		Message:         req.Message,
		ThreadReference: reference,
		RequestID:       requestID,
		TurnID:          turnID,
	})
	if err != nil {
		// Nothing started, so the client may retry with the same request ID.
		g.requests.Release(requestID)
		g.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Thread-ID", turn.ThreadID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.streamTurn(w, flusher, turn)
}

// streamTurn relays turn events as SSE frames until the turn closes its
// channel. After a failed write the rest of the events are drained so the
// turn can finish and persist.
func (g *Gateway) streamTurn(w io.Writer, flusher http.Flusher, turn *conversation.Turn) {
	writeFailed := false
	terminal := false
	for ev := range turn.Events() {
		if writeFailed {
			continue
		}
		if err := writeSSEEvent(w, string(ev.Type), ev); err != nil {
			g.logger.Debug("SSE write failed", "turn_id", turn.ID, "error", err)
			writeFailed = true
			continue
		}
		flusher.Flush()
		terminal = terminal || ev.Terminal()
	}
	if !terminal {
		g.logger.Debug("stream closed without a terminal event", "turn_id", turn.ID, "write_failed", writeFailed)
	}

	outcome, err := turn.Wait()
	if err != nil {
		g.logger.Warn("turn failed", "turn_id", turn.ID, "thread_id", turn.ThreadID, "error", err)
		return
	}
	g.logger.Debug("turn streamed", "turn_id", turn.ID, "thread_id", turn.ThreadID, "result", outcome.Result)
}

// writeSSEEvent writes one frame: event: <type>\ndata: <json>\n\n
func writeSSEEvent(w io.Writer, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling SSE data: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}

// handleListThreads handles GET /api/threads?page&pageSize&sortBy&sortOrder.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize, err := parsePaging(q.Get("page"), q.Get("pageSize"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := g.conversation.ListThreads(r.Context(), conversation.ListRequest{
		Page:      page,
		PageSize:  pageSize,
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, list)
}

// handleThreadMessages handles GET /api/threads/{id}/messages?page&pageSize.
func (g *Gateway) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.PathValue("id"))
	if threadID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "thread id is required")
		return
	}

	q := r.URL.Query()
	page, pageSize, err := parsePaging(q.Get("page"), q.Get("pageSize"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := g.conversation.History(r.Context(), threadID, page, pageSize)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, history)
}

// handleDeleteThread handles DELETE /api/threads/{id}.
func (g *Gateway) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.PathValue("id"))
	if threadID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "thread id is required")
		return
	}
	if err := g.conversation.Delete(r.Context(), threadID); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parsePaging reads optional page and pageSize query values. Range checks are
// left to the conversation service.
func parsePaging(pageStr, sizeStr string) (page, pageSize int, err error) {
	if pageStr != "" {
		if page, err = strconv.Atoi(pageStr); err != nil {
			return 0, 0, errors.New("page must be an integer")
		}
	}
	if sizeStr != "" {
		if pageSize, err = strconv.Atoi(sizeStr); err != nil {
			return 0, 0, errors.New("pageSize must be an integer")
		}
	}
	return page, pageSize, nil
}

// writeError maps a domain error to an HTTP status and JSON body.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	var validation *conversation.ValidationError
	var decode *threadstate.DecodeError
	switch {
	case errors.As(err, &validation):
		g.sendJSONError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &decode):
		g.sendJSONError(w, http.StatusBadRequest, decode.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, conversation.ErrThreadBusy):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
