// internal/lockers/handler.go
package lockers

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"lockershare/internal/apperr"
	"lockershare/internal/identity"
)

var errInvalidBody = apperr.New(apperr.InvalidInput, "INVALID_BODY", "Cuerpo de solicitud inválido")

// LiveChannel upgrades a locker connection to the push channel.
// *notify.Hub satisfies it.
type LiveChannel interface {
	Serve(w http.ResponseWriter, r *http.Request, lockerID string) error
}

// LockerAuthenticator checks a locker-scoped bearer token.
// *identity.Verifier satisfies it.
type LockerAuthenticator interface {
	VerifyLocker(raw, lockerID string) error
}

// Handler serves the /hardware routes called by lockers. Only the live
// channel carries a credential, since it receives access codes.
type Handler struct {
	service *Service
	live    LiveChannel
	auth    LockerAuthenticator
	logger  zerolog.Logger
}

func NewHandler(service *Service, live LiveChannel, auth LockerAuthenticator, logger zerolog.Logger) *Handler {
	return &Handler{service: service, live: live, auth: auth, logger: logger}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/hardware", func(r chi.Router) {
		r.Post("/verify-code", h.HandleVerifyCode)
		r.Get("/status/{lockerId}", h.HandleStatus)
		r.Post("/event", h.HandleEvent)
		r.Post("/setup", h.HandleSetup)
		r.Get("/health", h.HandleHealth)
		if h.live != nil && h.auth != nil {
			r.Get("/ws/{lockerId}", h.HandleLive)
		}
	})
}

func (h *Handler) HandleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessCode string `json:"access_code"`
		LockerID   string `json:"locker_id"`
		Location   string `json:"location"`
		Action     string `json:"action"`
		Timestamp  any    `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errInvalidBody)
		return
	}

	grant, err := h.service.VerifyCode(r.Context(), VerifyInput{
		AccessCode: body.AccessCode,
		LockerID:   body.LockerID,
		Location:   body.Location,
		Action:     body.Action,
		ClientIP:   clientIP(r),
		Language:   r.Header.Get("Accept-Language"),
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			h.logger.Error().Err(err).Str("locker_id", body.LockerID).Msg("verify code failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Status(r.Context(), chi.URLParam(r, "lockerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LockerID  string `json:"locker_id"`
		EventType string `json:"event_type"`
		Details   any    `json:"details"`
		Timestamp any    `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errInvalidBody)
		return
	}

	details := map[string]any{"ip_address": clientIP(r)}
	switch d := body.Details.(type) {
	case map[string]any:
		for k, v := range d {
			details[k] = v
		}
	case nil:
	default:
		details["message"] = d
	}

	err := h.service.RegisterEvent(r.Context(), EventInput{
		LockerID:   body.LockerID,
		Type:       body.EventType,
		Details:    details,
		ReportedAt: parseTimestamp(body.Timestamp),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": printerFor(r.Header.Get("Accept-Language")).Sprintf(msgEventSaved),
	})
}

func (h *Handler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LockerID        string `json:"locker_id"`
		Name            string `json:"name"`
		Location        string `json:"location"`
		IPAddress       string `json:"ip_address"`
		MACAddress      string `json:"mac_address"`
		FirmwareVersion string `json:"firmware_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errInvalidBody)
		return
	}
	if body.IPAddress == "" {
		body.IPAddress = clientIP(r)
	}

	created, err := h.service.Setup(r.Context(), SetupInput{
		LockerID:        body.LockerID,
		Name:            body.Name,
		Location:        body.Location,
		IPAddress:       body.IPAddress,
		MACAddress:      body.MACAddress,
		FirmwareVersion: body.FirmwareVersion,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	p := printerFor(r.Header.Get("Accept-Language"))
	msg := p.Sprintf(msgLockerUpdate)
	if created {
		msg = p.Sprintf(msgLockerNew)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   msg,
		"locker_id": body.LockerID,
		"created":   created,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	resp := map[string]any{
		"status":      "ok",
		"timestamp":   now,
		"server_time": now.UnixMilli(),
	}
	if lockerID := r.URL.Query().Get("locker_id"); lockerID != "" {
		updated, err := h.service.Health(r.Context(), lockerID)
		if err != nil {
			h.logger.Error().Err(err).Str("locker_id", lockerID).Msg("health heartbeat failed")
			writeError(w, err)
			return
		}
		resp["locker_updated"] = updated
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	lockerID := chi.URLParam(r, "lockerId")
	raw, ok := identity.BearerToken(r)
	if !ok {
		writeError(w, identity.ErrUnauthorized)
		return
	}
	if err := h.auth.VerifyLocker(raw, lockerID); err != nil {
		h.logger.Warn().Err(err).Str("locker_id", lockerID).Str("ip", clientIP(r)).Msg("live channel rejected")
		writeError(w, err)
		return
	}
	if err := h.live.Serve(w, r, lockerID); err != nil {
		h.logger.Warn().Err(err).Str("locker_id", lockerID).Msg("live channel upgrade failed")
	}
}

// writeError writes the shared error body, using 429 for rate limiting.
func writeError(w http.ResponseWriter, err error) {
	if IsRateLimited(err) {
		w.Header().Set("Retry-After", "60")
		apperr.WriteCode(w, http.StatusTooManyRequests, ErrRateLimited.Code, ErrRateLimited.Message)
		return
	}
	apperr.WriteJSON(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseTimestamp accepts Unix milliseconds or RFC 3339.
func parseTimestamp(v any) *time.Time {
	var t time.Time
	switch ts := v.(type) {
	case float64:
		t = time.UnixMilli(int64(ts)).UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil
		}
		t = parsed.UTC()
	default:
		return nil
	}
	return &t
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
