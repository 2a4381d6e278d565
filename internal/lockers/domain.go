// internal/lockers/domain.go
package lockers

import (
	"strings"
	"time"

	"lockershare/internal/apperr"
)

// Action is what the person at the locker is doing.
type Action string

const (
	ActionDonate  Action = "DONATE"
	ActionReceive Action = "RECEIVE"
)

// ParseAction returns ActionDonate only for an explicit "DONATE" hint.
// Anything else, including an empty value, is a pickup.
func ParseAction(s string) Action {
	if strings.EqualFold(strings.TrimSpace(s), string(ActionDonate)) {
		return ActionDonate
	}
	return ActionReceive
}

// Status is the operational state of a locker.
type Status string

const (
	StatusActive      Status = "active"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
)

// Locker is a registered smart locker and its usage counters.
type Locker struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Location        string     `json:"location"`
	Status          Status     `json:"status"`
	IPAddress       string     `json:"ip_address,omitempty"`
	MACAddress      string     `json:"mac_address,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	TotalUses       int64      `json:"total_uses"`
	TotalDonations  int64      `json:"total_donations"`
	TotalPickups    int64      `json:"total_pickups"`
	LastUsed        *time.Time `json:"last_used,omitempty"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	LastEvent       string     `json:"last_event,omitempty"`
	LastMaintenance *time.Time `json:"last_maintenance,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AccessLog is one verification attempt at a locker.
type AccessLog struct {
	ID         int64     `json:"id"`
	LockerID   string    `json:"locker_id"`
	AccessCode string    `json:"access_code"`
	UserID     string    `json:"user_id,omitempty"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Event is a hardware-reported occurrence such as door_opened or error.
type Event struct {
	ID         int64          `json:"id"`
	LockerID   string         `json:"locker_id"`
	Type       string         `json:"event_type"`
	Details    map[string]any `json:"details,omitempty"`
	ReportedAt *time.Time     `json:"reported_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

const (
	recentAccessWindow = 24 * time.Hour
	recentAccessLimit  = 10
)

var (
	ErrLockerNotFound    = apperr.New(apperr.NotFound, "LOCKER_NOT_FOUND", "Casillero no encontrado")
	ErrMissingFields     = apperr.New(apperr.InvalidInput, "MISSING_FIELDS", "Faltan campos requeridos")
	ErrInvalidCodeFormat = apperr.New(apperr.InvalidInput, "INVALID_CODE_FORMAT", "Código debe tener 4 dígitos")
	ErrAccessDenied      = apperr.New(apperr.InvalidInput, "ACCESS_DENIED", "Código inválido o expirado")
	ErrRateLimited       = apperr.New(apperr.Unavailable, "RATE_LIMITED", "Demasiados intentos, espere un momento")
)
