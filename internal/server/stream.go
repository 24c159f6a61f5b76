// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/chat"
	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
)

// eventLagged tells a client it fell behind and must resume through
// GET /api/messages/{id}/stream.
const eventLagged = "lagged"

// ============================================================================
// SSE WIRE FORMAT
// ============================================================================

// StartPayload is the data of a start event.
type StartPayload struct {
	ThreadID    string         `json:"thread_id"`
	UserMessage *model.Message `json:"user_message,omitempty"`
	Message     *model.Message `json:"message"`
}

// DeltaPayload is the data of text and reasoning events.
type DeltaPayload struct {
	Text string `json:"text"`
}

// UsagePayload is the data of usage events.
type UsagePayload struct {
	Usage model.Usage `json:"usage"`
}

// FinalPayload is the data of done, error and aborted events.
type FinalPayload struct {
	Message *model.Message `json:"message"`
}

// LaggedPayload is the data of a lagged event.
type LaggedPayload struct {
	MessageID string `json:"message_id"`
	Resume    string `json:"resume"`
}

// sseWriter writes Server-Sent Events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the event-stream headers. It fails when the writer cannot
// flush, in which case nothing has been written.
func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// send writes one event. The data is a single JSON line, so no escaping of
// embedded newlines is needed.
func (sw *sseWriter) send(event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, body); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// comment writes a keep-alive comment line.
func (sw *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// sendEvent writes a generation event in its wire form.
func (sw *sseWriter) sendEvent(ev chat.Event) error {
	switch ev.Type {
	case chat.EventStart:
		start := StartPayload{UserMessage: ev.UserMessage, Message: ev.Message}
		if ev.Message != nil {
			start.ThreadID = ev.Message.ThreadID
		}
		return sw.send(string(ev.Type), start)
	case chat.EventText, chat.EventReasoning:
		return sw.send(string(ev.Type), DeltaPayload{Text: ev.Text})
	case chat.EventUsage:
		return sw.send(string(ev.Type), UsagePayload{Usage: ev.Usage})
	default:
		return sw.send(string(ev.Type), FinalPayload{Message: ev.Message})
	}
}

// ============================================================================
// RELAY
// ============================================================================

// relayResult tells the caller how a relay ended.
type relayResult int

const (
	relayFinished relayResult = iota // terminal event written
	relayLagged                      // subscriber dropped for falling behind
	relayGone                        // client disconnected or write failed
)

// relay copies events to the client until the terminal event, the
// subscriber is dropped, or the client goes away. A keep-alive comment is
// written whenever the stream is quiet for keepAlive.
func (s *Server) relay(r *http.Request, sw *sseWriter, messageID string, events <-chan chat.Event, dropped func() bool) relayResult {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if dropped() {
					s.logger.Warn("STREAM_CLIENT_LAGGED", zap.String("message", messageID))
					_ = sw.send(eventLagged, LaggedPayload{
						MessageID: messageID,
						Resume:    "/api/messages/" + messageID + "/stream",
					})
					return relayLagged
				}
				return relayFinished
			}
			if err := sw.sendEvent(ev); err != nil {
				return relayGone
			}
			if ev.Type.IsTerminal() {
				return relayFinished
			}
			ticker.Reset(s.keepAlive)

		case <-ticker.C:
			if err := sw.comment("keep-alive"); err != nil {
				return relayGone
			}

		case <-r.Context().Done():
			return relayGone
		}
	}
}

// ============================================================================
// HANDLERS
// ============================================================================

type chatRequest struct {
	Content     string   `json:"content"`
	Model       string   `json:"model"`
	Attachments []string `json:"attachments"`
	Reasoning   *struct {
		Enabled bool   `json:"enabled"`
		Effort  string `json:"effort"`
	} `json:"reasoning"`
}

// handleChat handles POST /api/threads/{threadID}/chat.
//
// The response is an event stream: start, then text, reasoning and usage
// deltas, then exactly one of done, error or aborted. Disconnecting aborts
// the generation, keeping whatever was produced.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "Streaming not supported.")
		return
	}

	send := chat.SendRequest{
		UserID:      currentUser(r).ID,
		ThreadID:    chi.URLParam(r, "threadID"),
		Content:     req.Content,
		Model:       req.Model,
		Attachments: req.Attachments,
	}
	if req.Reasoning != nil {
		send.Reasoning = llm.Reasoning{Enabled: req.Reasoning.Enabled, Effort: strings.ToLower(req.Reasoning.Effort)}
	}

	gen, err := s.chat.Send(r.Context(), send)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sw, _ := startSSE(w)
	switch s.relay(r, sw, gen.Message.ID, gen.Events(), gen.Dropped) {
	case relayLagged:
		// The client can resume; its disconnect must not abort the
		// generation any more.
		gen.Detach()
	case relayGone:
		s.logger.Debug("STREAM_CLIENT_GONE", zap.String("message", gen.Message.ID))
	}
}

// handleResume handles GET /api/messages/{messageID}/stream. A live
// generation is relayed from its snapshot; a finished message is sent as a
// single terminal event. A stored message that is still pending or
// streaming but not live here gets 409 and is retried by the client.
// Disconnecting never aborts.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "Streaming not supported.")
		return
	}

	id := chi.URLParam(r, "messageID")
	sub, msg, err := s.chat.Subscribe(r.Context(), currentUser(r).ID, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if sub == nil && !msg.Status.IsTerminal() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "conflict", "Message is not streaming yet; retry shortly.")
		return
	}

	sw, _ := startSSE(w)
	if sub == nil {
		_ = sw.send(string(chat.TerminalEvent(msg.Status)), FinalPayload{Message: msg})
		return
	}
	defer sub.Close()

	s.relay(r, sw, id, sub.Events(), sub.Dropped)
}

// handleAbort handles POST /api/messages/{messageID}/abort. The message is
// finalised asynchronously; clients see the aborted event on the stream.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	if err := s.chat.Abort(r.Context(), currentUser(r).ID, id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id, "status": "aborting"})
}
