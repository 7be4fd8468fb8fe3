package models

import "time"

// Verifier values recorded on a GlobalVerification row.
const (
	// VerifiedBySystem marks a verification written after a passed code challenge.
	VerifiedBySystem = "system"
	// VerifiedByAdmin marks a verification granted by a superadmin.
	VerifiedByAdmin = "admin"
)

// Verification is an in-flight one-time-code ownership challenge.
// At most one live row exists per chat account; re-requests replace it.
type Verification struct {
	ChatID uint64 `gorm:"primaryKey;autoIncrement:false"` // Challenged chat account id.

	VRCUserID string `gorm:"type:varchar(64);not null"` // Target VRChat user id.
	VRCName   string `gorm:"type:text;not null"`        // Target display name.
	Code      string `gorm:"type:varchar(16);not null"` // One-time numeric code.
	GroupID   *int64 // Group the challenge originated from, if any.
	IsExpired bool   `gorm:"not null;default:false;index"` // Set by the sweep or lazily on read.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Challenge creation time.
}

// GlobalVerification records that a chat account has passed the ownership
// challenge at least once. It is portable across groups and immune to
// per-group admin unbind.
type GlobalVerification struct {
	ChatID uint64 `gorm:"primaryKey;autoIncrement:false"` // Verified chat account id.

	VRCUserID  string `gorm:"type:varchar(64);not null;index"` // Verified VRChat user id.
	VRCName    string `gorm:"type:text;not null"`              // Display name at verification time.
	VerifiedBy string `gorm:"type:varchar(16);not null;default:system"`

	VerifiedAt time.Time `gorm:"not null;autoCreateTime"` // First successful verification time.
}
