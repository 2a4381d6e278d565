// internal/twofactor/handler.go
package twofactor

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lockershare/internal/apperr"
	"lockershare/internal/identity"
)

var errInvalidBody = apperr.New(apperr.InvalidInput, "INVALID_BODY", "request body is not valid JSON")

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/2fa", func(r chi.Router) {
		r.Use(identity.RequireCaller)
		r.Post("/send", h.HandleSend)
		r.Post("/verify", h.HandleVerify)
	})
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method string `json:"method"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apperr.WriteJSON(w, errInvalidBody)
			return
		}
	}

	caller, _ := identity.CallerFromContext(r.Context())
	d, err := h.service.Send(r.Context(), caller, body.Method)
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Code == ErrSendLimited.Code {
			w.Header().Set("Retry-After", "60")
			apperr.WriteCode(w, http.StatusTooManyRequests, e.Code, e.Message)
			return
		}
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Código de verificación enviado",
		"method":      d.Method,
		"destination": d.Destination,
		"expiresIn":   d.ExpiresIn,
	})
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.WriteJSON(w, errInvalidBody)
		return
	}

	caller, _ := identity.CallerFromContext(r.Context())
	if err := h.service.Verify(r.Context(), caller, body.Code); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"verified": true,
		"message":  "Código verificado",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
