// internal/requests/handler.go
package requests

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lockershare/internal/apperr"
	"lockershare/internal/articles"
	"lockershare/internal/identity"
)

var errInvalidBody = apperr.New(apperr.InvalidInput, "INVALID_BODY", "request body is not valid JSON")

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the request endpoints. Every route needs a caller.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Use(identity.RequireCaller)
		r.Post("/", h.HandleCreate)
		r.Get("/mine", h.HandleListMine)
		r.Get("/received", h.HandleListReceived)
		r.Get("/{id}", h.HandleGet)
		r.Get("/{id}/history", h.HandleHistory)
		r.Put("/{id}/approve", h.HandleApprove)
		r.Put("/{id}/reject", h.HandleReject)
		r.Put("/{id}/complete", h.HandleComplete)
	})
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ArticleID string `json:"articleId"`
		Message   string `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if body.ArticleID == "" {
		apperr.WriteJSON(w, ErrMissingArticleID)
		return
	}
	// Ids are UUIDs, so anything else cannot name an article.
	articleID, err := uuid.Parse(body.ArticleID)
	if err != nil {
		apperr.WriteJSON(w, articles.ErrNotFound)
		return
	}

	caller, _ := identity.CallerFromContext(r.Context())
	req, err := h.service.CreateRequest(r.Context(), caller, articleID, body.Message)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"message":    "Solicitud enviada exitosamente",
		"requestId":  req.ID,
		"accessCode": req.AccessCode,
	})
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body struct {
		LockerID       string `json:"lockerId"`
		LockerLocation string `json:"lockerLocation"`
	}
	if err := decode(r, &body); err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	caller, _ := identity.CallerFromContext(r.Context())
	req, err := h.service.Approve(r.Context(), caller, id, body.LockerID, body.LockerLocation)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Solicitud aprobada",
		"requestId":  req.ID,
		"accessCode": req.AccessCode,
	})
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	caller, _ := identity.CallerFromContext(r.Context())
	req, err := h.service.Reject(r.Context(), caller, id, body.Reason)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Solicitud rechazada",
		"requestId": req.ID,
		"status":    req.Status,
	})
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}

	caller, _ := identity.CallerFromContext(r.Context())
	req, err := h.service.Complete(r.Context(), caller, id)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Retiro confirmado",
		"requestId": req.ID,
		"status":    req.Status,
	})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	caller, _ := identity.CallerFromContext(r.Context())
	req, err := h.service.Get(r.Context(), caller, id)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	caller, _ := identity.CallerFromContext(r.Context())
	events, err := h.service.History(r.Context(), caller, id)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "events": events})
}

func (h *Handler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	list, err := h.service.ListMine(r.Context(), caller)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list, "count": len(list)})
}

func (h *Handler) HandleListReceived(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	list, err := h.service.ListReceived(r.Context(), caller)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list, "count": len(list)})
}

// requestID parses the {id} path segment. A malformed id cannot exist, so
// it is reported as not found.
func requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		apperr.WriteJSON(w, ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errInvalidBody
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
