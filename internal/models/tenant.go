package models

import (
	"time"

	"gorm.io/gorm"
)

// TenantState mirrors the throttle marker for one tenant so the status API can
// list tenants without touching the runtime directory. The marker file stays
// authoritative; this row is rewritten after every decision.
type TenantState struct {
	gorm.Model

	Tenant string `gorm:"uniqueIndex;not null" json:"tenant"`
	State  string `gorm:"index;default:'normal'" json:"state"`
	// Since is the marker mtime while throttled.
	Since         *time.Time `json:"since,omitempty"`
	UsageMiB      float64    `json:"usage_mib"`
	LimitGiB      float64    `json:"limit_gib"`
	LastAction    string     `json:"last_action"`
	LastEvaluated time.Time  `json:"last_evaluated"`
}

// ThrottleEvent records each enter and leave transition. Refreshes while
// over the limit only update TenantState.
type ThrottleEvent struct {
	gorm.Model

	Tenant   string    `gorm:"index;not null" json:"tenant"`
	Action   string    `gorm:"index" json:"action"`
	UsageMiB float64   `json:"usage_mib"`
	LimitGiB float64   `json:"limit_gib"`
	At       time.Time `gorm:"index" json:"at"`
}
