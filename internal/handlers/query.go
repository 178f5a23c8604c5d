package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/logging"
	"threadrecall/internal/services"
)

const queryTimeout = 60 * time.Second

// RecentSource reads the latest messages of a channel.
type RecentSource interface {
	FetchRecent(ctx context.Context, channelID string, limit int) ([]conversation.Message, error)
}

// Responder runs the read path for a window of recent messages.
type Responder interface {
	HelpfulReply(ctx context.Context, recent []conversation.Message) (*services.Result, error)
}

type QueryHandler struct {
	responder Responder
	source    RecentSource
	policy    services.ReplyPolicy
	recent    int
}

type QueryRequest struct {
	Query     string `json:"query"`
	ChannelID string `json:"channel_id,omitempty"`
}

type QueryResponse struct {
	Answered        bool               `json:"answered"`
	Query           string             `json:"query"`
	Rephrased       string             `json:"rephrased,omitempty"`
	Answer          *services.Answer   `json:"answer,omitempty"`
	Decision        *services.Decision `json:"decision,omitempty"`
	ConversationIDs []string           `json:"conversation_ids"`
	DocIDs          []string           `json:"doc_ids"`
	Cost            float64            `json:"cost"`
	Reason          string             `json:"reason,omitempty"`
}

// NewQueryHandler builds the query endpoint. A nil source answers every
// query on its own, without channel context.
func NewQueryHandler(responder Responder, source RecentSource, policy services.ReplyPolicy, recent int) *QueryHandler {
	return &QueryHandler{
		responder: responder,
		source:    source,
		policy:    policy,
		recent:    recent,
	}
}

func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Error decoding query request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query cannot be empty")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	var recent []conversation.Message
	if req.ChannelID != "" && h.source != nil {
		var err error
		recent, err = h.source.FetchRecent(ctx, req.ChannelID, h.recent)
		if err != nil {
			logger.Error("Failed to fetch recent messages", "channel_id", req.ChannelID, "error", err)
			writeError(w, http.StatusBadGateway, "failed to fetch channel messages")
			return
		}
	}

	resp, err := Ask(ctx, h.responder, h.policy, recent, req.Query, req.ChannelID)
	if err != nil {
		logger.Error("Error processing query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ask runs the read path for a question appended to recent and applies the
// reply policy to the result. A read path that finds nothing is reported as
// an unanswered response, not an error.
func Ask(ctx context.Context, responder Responder, policy services.ReplyPolicy, recent []conversation.Message, question, channelID string) (*QueryResponse, error) {
	window := services.QueryWindow(recent, question, channelID, time.Now())
	trigger := window[len(window)-1]

	resp := &QueryResponse{
		Query:           question,
		ConversationIDs: []string{},
		DocIDs:          []string{},
	}

	result, err := responder.HelpfulReply(ctx, window)
	if errors.Is(err, services.ErrNoAnswer) {
		resp.Reason = err.Error()
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	decision := policy.Decide(result.Answer, trigger)
	resp.Answered = true
	resp.Rephrased = result.Rephrased
	resp.Answer = result.Answer
	resp.Decision = &decision
	resp.Cost = result.Cost
	for _, c := range result.Conversations {
		resp.ConversationIDs = append(resp.ConversationIDs, c.ID)
	}
	for _, d := range result.Docs {
		resp.DocIDs = append(resp.DocIDs, d.Doc.ID)
	}

	return resp, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
