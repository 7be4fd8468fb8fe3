package models

import "time"

// Bind kinds recorded on a Binding row.
const (
	// BindKindManual marks a binding created by an admin command.
	BindKindManual = "manual"
	// BindKindManualGlobal marks a binding created by a superadmin global command.
	BindKindManualGlobal = "manual_global"
	// BindKindAuto marks a binding copied from a prior verification on rejoin.
	BindKindAuto = "auto"
	// BindKindVerified marks a binding established by a passed code challenge.
	BindKindVerified = "verified"
)

// Binding is the durable chat-account to VRChat-account mapping.
// The unique index on VRCUserID is the anti account-sharing invariant:
// a VRChat account backs at most one chat account.
type Binding struct {
	ChatID uint64 `gorm:"primaryKey;autoIncrement:false"` // Chat (QQ) account id.

	VRCUserID     string `gorm:"type:varchar(64);not null;uniqueIndex"` // VRChat user id (usr_...).
	VRCName       string `gorm:"type:text;not null"`                    // Cached display name, may drift.
	Kind          string `gorm:"type:varchar(16);not null;default:manual"`
	OriginGroupID *int64 // Group the binding originated from, if any.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// GroupBinding is a binding's group-scoped projection. Deleting it never
// touches the global Binding row, so verification survives group departure.
type GroupBinding struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupID   int64  `gorm:"not null;uniqueIndex:idx_group_bindings_group_chat,priority:1"` // Chat group id.
	ChatID    uint64 `gorm:"not null;uniqueIndex:idx_group_bindings_group_chat,priority:2"` // Member chat id.
	VRCUserID string `gorm:"type:varchar(64);not null;index"`                               // Bound VRChat user id.
	VRCName   string `gorm:"type:text;not null"`                                            // Display name at bind time.

	BindTime time.Time `gorm:"not null;autoCreateTime"` // When the member was bound in this group.
}
