package domain

import "time"

const (
	SettingsCollection = "settings"
	SettingsID         = "project"
)

// Settings are the tenant-level switches an admin can flip at runtime.
type Settings struct {
	ProjectName string    `json:"project_name"`
	Collab      bool      `json:"collab"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type UpdateSettingsRequest struct {
	ProjectName *string `json:"project_name" validate:"omitempty,min=1,max=100"`
	Collab      *bool   `json:"collab"`
}

// ServerInfo advertises the capabilities of this deployment.
type ServerInfo struct {
	Collab  bool   `json:"collab"`
	Version string `json:"version"`
}
