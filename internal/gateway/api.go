// ABOUTME: HTTP API handlers for conversation commands and reads
// ABOUTME: Maps conversation errors to status codes and replays Idempotency-Key retries

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-switchboard/internal/conversation"
	"github.com/2389/coven-switchboard/internal/dedupe"
	"github.com/2389/coven-switchboard/internal/store"
	"github.com/2389/coven-switchboard/internal/wire"
)

const (
	// headerObserverID names the observer that issued a command; it does not
	// receive the resulting broadcast.
	headerObserverID = "X-Observer-ID"

	// headerActor attributes a command to system, user or agent.
	headerActor = "X-Actor"

	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	maxRequestBytes = 1 << 20

	// untilReactivate is the legacy pause duration meaning "until resumed".
	untilReactivate = "until_reactivate"
)

// StartConversationRequest is the JSON request body for POST /api/conversations.
type StartConversationRequest struct {
	ContactID string         `json:"contact_id"`
	Model     string         `json:"model,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// PauseRequest is the optional JSON body for POST /api/conversations/{id}/pause.
// Duration accepts Go durations ("90s", "1h") and minute shorthand ("15min").
type PauseRequest struct {
	Duration         string `json:"duration,omitempty"`
	UntilReactivated bool   `json:"until_reactivated,omitempty"`
}

// ConversationResponse is a conversation plus its latest message preview.
type ConversationResponse struct {
	*wire.Conversation
	LastMessagePreview string `json:"lastMessagePreview,omitempty"`
}

// ConversationListResponse is the JSON response for GET /api/conversations.
type ConversationListResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
	Total         int                    `json:"total"`
	TotalPages    int                    `json:"totalPages"`
	CurrentPage   int                    `json:"currentPage"`
}

// TransitionResponse is the JSON response for every status command.
type TransitionResponse struct {
	Conversation *wire.Conversation `json:"conversation"`
	Changed      bool               `json:"changed"`
	Event        *wire.Event        `json:"event,omitempty"`
}

// commandReply is a fully rendered response, kept so an Idempotency-Key retry
// gets the original answer.
type commandReply struct {
	status int
	body   []byte
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendJSON writes v with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	g.writeReply(w, g.jsonReply(status, v))
}

func (g *Gateway) jsonReply(status int, v any) *commandReply {
	body, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("failed to encode response", "error", err)
		body, _ = json.Marshal(map[string]string{"error": "internal server error"})
		return &commandReply{status: http.StatusInternalServerError, body: body}
	}
	return &commandReply{status: status, body: body}
}

func (g *Gateway) writeReply(w http.ResponseWriter, reply *commandReply) {
	w.Header().Set("Content-Type", "application/json")
	if reply.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(reply.status)
	_, _ = w.Write(reply.body)
	_, _ = io.WriteString(w, "\n")
}

// errorStatus maps a conversation error to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrTerminal), errors.Is(err, conversation.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrBusy), errors.Is(err, conversation.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (g *Gateway) errorReply(err error) *commandReply {
	status := errorStatus(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		g.logger.Error("command failed", "error", err)
		message = "internal server error"
	case http.StatusServiceUnavailable:
		g.logger.Warn("command unavailable", "error", err)
	}
	return g.jsonReply(status, map[string]string{"error": message})
}

// sendCommandError writes the mapped error response for err.
func (g *Gateway) sendCommandError(w http.ResponseWriter, err error) {
	g.writeReply(w, g.errorReply(err))
}

// commandOptions reads attribution headers.
func commandOptions(r *http.Request) (conversation.CommandOptions, error) {
	opts := conversation.CommandOptions{
		Actor:  conversation.ActorAgent,
		Origin: r.Header.Get(headerObserverID),
	}
	switch actor := conversation.Actor(strings.ToLower(r.Header.Get(headerActor))); actor {
	case "":
	case conversation.ActorSystem, conversation.ActorUser, conversation.ActorAgent:
		opts.Actor = actor
	default:
		return opts, fmt.Errorf("%w: unknown actor %q", conversation.ErrInvalidInput, actor)
	}
	return opts, nil
}

// command runs fn once per Idempotency-Key. Definitive outcomes (success,
// not found, conflicts, bad input) are remembered and replayed; transient
// failures release the key so the client can retry.
func (g *Gateway) command(w http.ResponseWriter, r *http.Request, fn func(opts conversation.CommandOptions) (int, any, error)) {
	opts, err := commandOptions(r)
	if err != nil {
		g.sendCommandError(w, err)
		return
	}

	run := func() (*commandReply, bool) {
		status, v, err := fn(opts)
		if err != nil {
			reply := g.errorReply(err)
			return reply, reply.status < http.StatusInternalServerError
		}
		return g.jsonReply(status, v), true
	}

	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		reply, _ := run()
		g.writeReply(w, reply)
		return
	}

	cacheKey := r.Method + " " + r.URL.Path + "\x00" + key
	switch cached, outcome := g.replies.Claim(cacheKey); outcome {
	case dedupe.Done:
		w.Header().Set(headerReplayed, "true")
		g.writeReply(w, cached)
		return
	case dedupe.Pending:
		g.sendJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is in progress")
		return
	}

	reply, definitive := run()
	if definitive {
		g.replies.Complete(cacheKey, reply)
	} else {
		g.replies.Release(cacheKey)
	}
	g.writeReply(w, reply)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body", conversation.ErrInvalidInput)
	}
	// The body must hold exactly one JSON value.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", conversation.ErrInvalidInput)
	}
	return nil
}

// parseSender accepts the store sender names and the legacy dashboard aliases.
func parseSender(s string) store.Sender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contact":
		return store.SenderUser
	case "ai_agent":
		return store.SenderAI
	}
	return store.Sender(strings.ToLower(strings.TrimSpace(s)))
}

// toQualifier converts a pause body into the engine's qualifier.
func (p PauseRequest) toQualifier() (conversation.PauseQualifier, error) {
	q := conversation.PauseQualifier{UntilReactivated: p.UntilReactivated}
	raw := strings.TrimSpace(p.Duration)
	switch {
	case raw == "":
	case raw == untilReactivate:
		q.UntilReactivated = true
	default:
		d, err := time.ParseDuration(strings.Replace(raw, "min", "m", 1))
		if err != nil {
			return q, fmt.Errorf("%w: duration %q", conversation.ErrInvalidPause, p.Duration)
		}
		q.Duration = d
	}
	return q, nil
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", conversation.ErrInvalidInput, name)
	}
	return n, nil
}

// conversationResponse adds the latest message preview to conv. A preview
// failure is logged and leaves the preview empty.
func (g *Gateway) conversationResponse(r *http.Request, conv *store.Conversation) ConversationResponse {
	resp := ConversationResponse{Conversation: wire.FromConversation(conv)}
	if conv.MessageCount == 0 {
		return resp
	}
	preview, err := g.conversation.Messages().LastMessagePreview(r.Context(), conv.ID)
	if err != nil {
		g.logger.Warn("failed to load message preview", "conversation_id", conv.ID, "error", err)
		return resp
	}
	resp.LastMessagePreview = preview
	return resp
}

// handleListConversations handles GET /api/conversations?status=&search=&page=&page_size=.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		g.sendCommandError(w, err)
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		g.sendCommandError(w, err)
		return
	}

	result, err := g.conversation.List(r.Context(), store.ConversationFilter{
		Status:   store.Status(r.URL.Query().Get("status")),
		Search:   r.URL.Query().Get("search"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		g.sendCommandError(w, err)
		return
	}

	resp := ConversationListResponse{
		Conversations: make([]ConversationResponse, 0, len(result.Conversations)),
		Total:         result.Total,
		TotalPages:    result.TotalPages,
		CurrentPage:   result.CurrentPage,
	}
	for _, conv := range result.Conversations {
		resp.Conversations = append(resp.Conversations, g.conversationResponse(r, conv))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleStartConversation handles POST /api/conversations.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendCommandError(w, err)
		return
	}
	g.command(w, r, func(opts conversation.CommandOptions) (int, any, error) {
		conv, err := g.conversation.StartConversation(r.Context(), conversation.StartRequest{
			ContactID: req.ContactID,
			Model:     req.Model,
			Metadata:  req.Metadata,
		}, opts)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, wire.FromConversation(conv), nil
	})
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendCommandError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.conversationResponse(r, conv))
}

// handleListMessages handles GET /api/conversations/{id}/messages?limit=N.
// Without a limit the full transcript is returned in creation order.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.sendCommandError(w, err)
		return
	}

	seq, err := g.conversation.Messages().List(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendCommandError(w, err)
		return
	}

	messages := make([]*wire.Message, 0)
	for m, err := range seq {
		if err != nil {
			g.sendCommandError(w, err)
			return
		}
		messages = append(messages, wire.FromMessage(m))
		if limit > 0 && len(messages) == limit {
			break
		}
	}
	g.sendJSON(w, http.StatusOK, messages)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendCommandError(w, err)
		return
	}
	id := r.PathValue("id")
	g.command(w, r, func(opts conversation.CommandOptions) (int, any, error) {
		msg, err := g.conversation.SendMessage(r.Context(), id, parseSender(req.Sender), req.Content, opts)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, wire.FromMessage(msg), nil
	})
}

// handleTranscript handles GET /api/conversations/{id}/transcript?format=markdown|html.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := g.conversation.Messages()

	switch format := r.URL.Query().Get("format"); format {
	case "", "markdown", "md":
		md, err := log.Transcript(r.Context(), id)
		if err != nil {
			g.sendCommandError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, md)
	case "html":
		html, err := log.TranscriptHTML(r.Context(), id)
		if err != nil {
			g.sendCommandError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(html)
	default:
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unsupported transcript format %q", format))
	}
}

// transitionReply renders a transition result.
func transitionReply(res *conversation.Result) (int, any, error) {
	resp := TransitionResponse{
		Conversation: wire.FromConversation(res.Conversation),
		Changed:      res.Changed,
	}
	if res.Event != nil {
		resp.Event = res.Event.Wire(res.Conversation)
	}
	return http.StatusOK, resp, nil
}

// handlePause handles POST /api/conversations/{id}/pause.
func (g *Gateway) handlePause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendCommandError(w, err)
		return
	}
	q, err := req.toQualifier()
	if err != nil {
		g.sendCommandError(w, err)
		return
	}
	id := r.PathValue("id")
	g.command(w, r, func(opts conversation.CommandOptions) (int, any, error) {
		res, err := g.conversation.Pause(r.Context(), id, q, opts)
		if err != nil {
			return 0, nil, err
		}
		return transitionReply(res)
	})
}

// commandFunc is the shape of every status command on conversation.Service.
type commandFunc func(ctx context.Context, id string, opts conversation.CommandOptions) (*conversation.Result, error)

// transition runs a status command that takes no body.
func (g *Gateway) transition(w http.ResponseWriter, r *http.Request, cmd commandFunc) {
	id := r.PathValue("id")
	g.command(w, r, func(opts conversation.CommandOptions) (int, any, error) {
		res, err := cmd(r.Context(), id, opts)
		if err != nil {
			return 0, nil, err
		}
		return transitionReply(res)
	})
}

// handleResume handles POST /api/conversations/{id}/resume.
func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	g.transition(w, r, g.conversation.Resume)
}

// handleTakeover handles POST /api/conversations/{id}/takeover.
func (g *Gateway) handleTakeover(w http.ResponseWriter, r *http.Request) {
	g.transition(w, r, g.conversation.Takeover)
}

// handleComplete handles POST /api/conversations/{id}/complete.
func (g *Gateway) handleComplete(w http.ResponseWriter, r *http.Request) {
	g.transition(w, r, g.conversation.Complete)
}

// handleFail handles POST /api/conversations/{id}/fail.
func (g *Gateway) handleFail(w http.ResponseWriter, r *http.Request) {
	g.transition(w, r, g.conversation.Fail)
}
