package models

import (
	"time"

	"gorm.io/datatypes"
)

// Group setting names understood by the verification handler. Absent rows
// fall back to process-wide defaults.
const (
	SettingAutoApproveRequest   = "auto_approve_group_request"
	SettingVerificationMode     = "verification_mode"
	SettingAutoRejectOnJoin     = "auto_reject_on_join"
	SettingAutoRename           = "auto_rename"
	SettingEnableWelcome        = "enable_welcome"
	SettingWelcomeMessage       = "welcome_message"
	SettingVRCGroupID           = "vrc_group_id"
	SettingCheckGroupMembership = "check_group_membership"
	SettingCheckTroll           = "check_troll"
	SettingTargetRoleID         = "target_role_id"
	SettingAutoAssignRole       = "auto_assign_role"
	SettingTimeoutAction        = "timeout_action"
)

// Verification modes.
const (
	ModeMixed    = "mixed"
	ModeStrict   = "strict"
	ModeDisabled = "disabled"
)

// GroupSetting stores a per-group key/value override as JSON.
type GroupSetting struct {
	GroupID int64          `gorm:"primaryKey;autoIncrement:false"` // Chat group id.
	Name    string         `gorm:"type:varchar(64);primaryKey"`    // Setting name.
	Value   datatypes.JSON `gorm:"type:jsonb"`                     // JSON-encoded value.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
