// Package api serves the HTTP side of the support chat: the conversation
// bootstrap endpoint the storefront calls before opening its WebSocket,
// and the message history endpoint the chat widget loads on mount.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/craftline/support-chat/internal/auth"
	"github.com/craftline/support-chat/internal/chat"
	"github.com/craftline/support-chat/internal/protocol"
)

// Handler serves the REST endpoints. All routes require a valid token.
type Handler struct {
	verifier auth.Verifier
	store    chat.ConversationStore
	svc      *chat.Service
}

// NewHandler creates the API handler.
func NewHandler(verifier auth.Verifier, store chat.ConversationStore, svc *chat.Service) *Handler {
	return &Handler{verifier: verifier, store: store, svc: svc}
}

// Routes returns the API route mux, ready to mount under /api/.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/support", h.handleBootstrap)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.handleHistory)
	return mux
}

// handleBootstrap returns the calling customer's support conversation id,
// creating the conversation on first contact. Repeat calls return the
// same id. Staff identities have no support conversation of their own.
func (h *Handler) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if identity.IsStaff() {
		writeError(w, http.StatusForbidden, "staff identities have no support conversation")
		return
	}

	conv, err := h.store.GetOrCreateSupportConversation(r.Context(), identity)
	if err != nil {
		log.Printf("[api] bootstrap failed for identity=%s: %v", identity.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"conversationId": conv.ID})
}

// handleHistory returns the conversation's messages oldest-first, in the
// same wire envelope the WebSocket broadcasts use.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conversationID := r.PathValue("id")
	if _, err := h.svc.Resolve(r.Context(), conversationID, identity); err != nil {
		switch {
		case errors.Is(err, chat.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, chat.ErrNotParticipant):
			writeError(w, http.StatusForbidden, "not a participant in this conversation")
		default:
			log.Printf("[api] history resolve failed conversation=%s: %v", conversationID, err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		log.Printf("[api] history load failed conversation=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	envelopes := make([]protocol.MessageEnvelope, 0, len(msgs))
	for _, m := range msgs {
		envelopes = append(envelopes, m.Envelope())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": envelopes})
}

// authenticate resolves the request's token. On failure it writes a 401
// and returns ok=false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
