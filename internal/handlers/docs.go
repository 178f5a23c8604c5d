package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/jobs"
	"threadrecall/internal/logging"
	"threadrecall/internal/metrics"
	"threadrecall/internal/storage"
)

const (
	maxDocBodyBytes = 4 << 20
	docTimeout      = 2 * time.Minute
)

// DocEmbedder embeds stored docs whose content changed.
type DocEmbedder interface {
	EmbedDocs(ctx context.Context, docs []conversation.Doc) jobs.Stats
}

type DocsHandler struct {
	webhookSecret string
	docs          storage.DocStore
	embedder      DocEmbedder
}

type DocWebhookPayload struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	Body     string `json:"body"`
}

func NewDocsHandler(webhookSecret string, docs storage.DocStore, embedder DocEmbedder) *DocsHandler {
	return &DocsHandler{
		webhookSecret: webhookSecret,
		docs:          docs,
		embedder:      embedder,
	}
}

func (h *DocsHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocBodyBytes+1))
	if err != nil {
		logger.Warn("Error reading request body", "error", err)
		h.reject(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body) > maxDocBodyBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, "doc too large")
		return
	}

	if !h.verifyHMAC(body, r.Header.Get("X-Signature")) {
		logger.Warn("Invalid webhook signature", "remote_addr", r.RemoteAddr)
		h.reject(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload DocWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Warn("Error parsing webhook payload", "error", err)
		h.reject(w, http.StatusBadRequest, "invalid payload")
		return
	}

	doc := conversation.Doc{
		ID:       strings.TrimSpace(payload.ID),
		FileName: strings.TrimSpace(payload.FileName),
		Body:     payload.Body,
	}
	if doc.ID == "" || strings.TrimSpace(doc.Body) == "" {
		h.reject(w, http.StatusBadRequest, "id and body are required")
		return
	}
	if doc.FileName == "" {
		doc.FileName = doc.ID
	}

	ctx, cancel := context.WithTimeout(r.Context(), docTimeout)
	defer cancel()

	if err := h.docs.UpsertDoc(ctx, doc); err != nil {
		logger.Error("Failed to store doc", "doc_id", doc.ID, "error", err)
		h.reject(w, http.StatusInternalServerError, "failed to store doc")
		return
	}

	stats := h.embedder.EmbedDocs(ctx, []conversation.Doc{doc})
	if stats.Failed > 0 {
		h.reject(w, http.StatusBadGateway, "failed to embed doc")
		return
	}

	metrics.DocsWebhooksReceived.WithLabelValues("ok").Inc()
	logger.Info("Doc received", "doc_id", doc.ID, "file_name", doc.FileName, "updated", stats.Updated == 1)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      doc.ID,
		"updated": stats.Updated == 1,
		"cost":    stats.Cost,
	})
}

func (h *DocsHandler) reject(w http.ResponseWriter, status int, message string) {
	metrics.DocsWebhooksReceived.WithLabelValues("rejected").Inc()
	writeError(w, status, message)
}

func (h *DocsHandler) verifyHMAC(body []byte, signature string) bool {
	if h.webhookSecret == "" || signature == "" {
		return false
	}

	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSignature))
}
