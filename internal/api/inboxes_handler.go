package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/plopmail/intake/internal/address"
	"github.com/plopmail/intake/internal/config"
	"github.com/plopmail/intake/internal/mailparse"
	"github.com/plopmail/intake/internal/models"
	"github.com/plopmail/intake/internal/store"
	"github.com/plopmail/intake/internal/webhook"
)

// InboxesHandler serves the administrative query/replay surface: listing
// mailboxes and messages by status, fetching raw messages, and manually
// re-triggering webhook delivery. This is the recovery path when automatic
// delivery failed.
type InboxesHandler struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *webhook.Dispatcher // nil when no webhook is configured
}

// NewInboxesHandler creates a new InboxesHandler instance.
func NewInboxesHandler(cfg *config.Config, st *store.Store, dispatcher *webhook.Dispatcher) *InboxesHandler {
	return &InboxesHandler{cfg: cfg, store: st, dispatcher: dispatcher}
}

type inboxListResponse struct {
	Mailboxes []string      `json:"mailboxes"`
	Status    models.Status `json:"status"`
	Cursor    string        `json:"cursor,omitempty"`
}

type messageSummary struct {
	*models.StoredMessage
	EmlURL string `json:"emlUrl"`
}

type messageListResponse struct {
	Messages []messageSummary `json:"messages"`
	Status   models.Status    `json:"status"`
	Cursor   string           `json:"cursor,omitempty"`
}

type messageDetailResponse struct {
	*models.StoredMessage
	EmlURL       string             `json:"emlUrl"`
	Headers      []mailparse.Header `json:"headers"`
	RawContent   *string            `json:"rawContent"`
	PlainContent *string            `json:"plainContent"`
}

type replayResponse struct {
	OK            bool          `json:"ok"`
	Status        models.Status `json:"status"`
	WebhookStatus int           `json:"webhookStatus,omitempty"`
}

// ListInboxes handles GET /admin/inboxes.
func (h *InboxesHandler) ListInboxes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	domain, ok := RequireDomain(w, r, h.cfg)
	if !ok {
		return
	}
	status, ok := RequireStatus(w, r)
	if !ok {
		return
	}
	limit, cursor := ParseListParams(r)

	mailboxes, nextCursor, err := h.store.ListMailboxes(r.Context(), domain, status, limit, cursor)
	if err != nil {
		log.Printf("InboxesHandler: Failed to list mailboxes: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	WriteJSONResponse(w, http.StatusOK, inboxListResponse{Mailboxes: mailboxes, Status: status, Cursor: nextCursor})
}

// Route dispatches /admin/inboxes/{localPart}/messages[...] requests.
func (h *InboxesHandler) Route(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/inboxes/"), "/"), "/")

	switch {
	case len(parts) == 2 && parts[1] == "messages":
		h.listMessages(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "messages":
		h.getMessage(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "raw":
		h.getRawMessage(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "webhook":
		h.replayWebhook(w, r, parts[0], parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (h *InboxesHandler) listMessages(w http.ResponseWriter, r *http.Request, localPart string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	domain, ok := RequireDomain(w, r, h.cfg)
	if !ok {
		return
	}
	if !RequireLocalPart(w, localPart) {
		return
	}
	status, ok := RequireStatus(w, r)
	if !ok {
		return
	}
	limit, cursor := ParseListParams(r)

	messages, nextCursor, err := h.store.ListMailboxMessages(r.Context(), domain, address.EncodeKeySegment(localPart), status, limit, cursor)
	if err != nil {
		log.Printf("InboxesHandler: Failed to list messages for %s: %v", localPart, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	summaries := make([]messageSummary, 0, len(messages))
	for _, msg := range messages {
		summaries = append(summaries, messageSummary{StoredMessage: msg, EmlURL: emlURL(localPart, msg.ID, domain)})
	}
	WriteJSONResponse(w, http.StatusOK, messageListResponse{Messages: summaries, Status: status, Cursor: nextCursor})
}

func (h *InboxesHandler) getMessage(w http.ResponseWriter, r *http.Request, localPart, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	domain, ok := RequireDomain(w, r, h.cfg)
	if !ok {
		return
	}
	if !RequireLocalPart(w, localPart) {
		return
	}
	status, ok := RequireStatus(w, r)
	if !ok {
		return
	}

	mailboxKey := address.EncodeKeySegment(localPart)
	msg, err := h.store.HeadMessage(r.Context(), domain, mailboxKey, status, id)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		log.Printf("InboxesHandler: Failed to get message %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	detail := messageDetailResponse{StoredMessage: msg, EmlURL: emlURL(localPart, id, domain)}
	raw, err := h.store.GetRaw(r.Context(), domain, mailboxKey, id)
	if err != nil {
		// Metadata without a raw object; return what we have.
		log.Printf("InboxesHandler: No raw object for message %s: %v", id, err)
	} else {
		content := mailparse.Parse(raw)
		detail.Headers = content.Headers
		detail.RawContent = content.RichContent()
		detail.PlainContent = content.PlainContent
	}
	WriteJSONResponse(w, http.StatusOK, detail)
}

func (h *InboxesHandler) getRawMessage(w http.ResponseWriter, r *http.Request, localPart, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	domain, ok := RequireDomain(w, r, h.cfg)
	if !ok {
		return
	}
	if !RequireLocalPart(w, localPart) {
		return
	}

	raw, err := h.store.GetRaw(r.Context(), domain, address.EncodeKeySegment(localPart), id)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		log.Printf("InboxesHandler: Failed to get raw message %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".eml"))
	_, _ = w.Write(raw)
}

// replayWebhook handles POST .../messages/{id}/webhook: a manual re-delivery
// of an unprocessed message. This is the only retry path in the system.
func (h *InboxesHandler) replayWebhook(w http.ResponseWriter, r *http.Request, localPart, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	domain, ok := RequireDomain(w, r, h.cfg)
	if !ok {
		return
	}
	if !RequireLocalPart(w, localPart) {
		return
	}

	mailboxKey := address.EncodeKeySegment(localPart)
	ctx := r.Context()

	if _, err := h.store.HeadMessage(ctx, domain, mailboxKey, models.StatusProcessed, id); err == nil {
		http.Error(w, "Message already processed", http.StatusConflict)
		return
	} else if !errors.Is(err, store.ErrMessageNotFound) {
		log.Printf("InboxesHandler: Failed to check processed record for %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	msg, err := h.store.HeadMessage(ctx, domain, mailboxKey, models.StatusUnprocessed, id)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		log.Printf("InboxesHandler: Failed to get message %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if h.dispatcher == nil {
		http.Error(w, "Webhook not configured", http.StatusConflict)
		return
	}

	raw, err := h.store.GetRaw(ctx, domain, mailboxKey, id)
	if err != nil {
		log.Printf("InboxesHandler: Failed to get raw message %s for replay: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	result := h.dispatcher.Dispatch(ctx, msg, mailparse.Parse(raw))
	if !result.Delivered {
		log.Printf("InboxesHandler: Replay of %s failed: %v", id, result.Err)
		WriteJSONResponse(w, http.StatusBadGateway, replayResponse{
			OK:            false,
			Status:        models.StatusUnprocessed,
			WebhookStatus: result.StatusCode,
		})
		return
	}
	WriteJSONResponse(w, http.StatusOK, replayResponse{OK: true, Status: models.StatusProcessed})
}

func emlURL(localPart, id, domain string) string {
	return fmt.Sprintf("/admin/inboxes/%s/messages/%s/raw?domain=%s", url.PathEscape(localPart), url.PathEscape(id), url.QueryEscape(domain))
}
