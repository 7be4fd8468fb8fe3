// Package store owns all persisted verification state. No other component
// issues queries; everything goes through the Store's method contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/caiqy/vrcguard/internal/db"
	"github.com/caiqy/vrcguard/internal/models"
)

// ConflictError reports that a VRChat account is already bound to another
// chat account. The existing owner is surfaced, never overwritten.
type ConflictError struct {
	VRCUserID   string
	OwnerChatID uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: vrchat account %s already bound to chat account %d", e.VRCUserID, e.OwnerChatID)
}

// Store provides durable binding, verification and settings persistence.
type Store struct {
	conn *gorm.DB
}

// New wraps a GORM connection in a Store.
func New(conn *gorm.DB) *Store {
	return &Store{conn: conn}
}

// Bind upserts the global binding row for chatID and, when groupID is set,
// the group-scoped row. A non-null origin group id on an existing row is
// preserved across edits. Binding a VRChat account that another chat
// account already holds fails with *ConflictError; under concurrent binds
// the unique index on vrc_user_id guarantees exactly one winner.
func (s *Store) Bind(ctx context.Context, chatID uint64, vrcUserID, vrcName, kind string, groupID *int64) error {
	errTx := s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Binding
		errFind := tx.First(&existing, "chat_id = ?", chatID).Error

		switch {
		case errFind == nil:
			originGroupID := groupID
			if existing.OriginGroupID != nil {
				originGroupID = existing.OriginGroupID
			}
			updates := map[string]any{
				"vrc_user_id":     vrcUserID,
				"vrc_name":        vrcName,
				"kind":            kind,
				"origin_group_id": originGroupID,
			}
			if errUpdate := tx.Model(&models.Binding{}).Where("chat_id = ?", chatID).Updates(updates).Error; errUpdate != nil {
				return errUpdate
			}
		case errors.Is(errFind, gorm.ErrRecordNotFound):
			row := models.Binding{
				ChatID:        chatID,
				VRCUserID:     vrcUserID,
				VRCName:       vrcName,
				Kind:          kind,
				OriginGroupID: groupID,
			}
			if errCreate := tx.Create(&row).Error; errCreate != nil {
				return errCreate
			}
		default:
			return errFind
		}

		if groupID != nil {
			group := models.GroupBinding{
				GroupID:   *groupID,
				ChatID:    chatID,
				VRCUserID: vrcUserID,
				VRCName:   vrcName,
			}
			if errGroup := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "group_id"}, {Name: "chat_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"vrc_user_id", "vrc_name"}),
			}).Create(&group).Error; errGroup != nil {
				return errGroup
			}
		}
		return nil
	})

	if errTx == nil {
		return nil
	}
	if errors.Is(errTx, gorm.ErrDuplicatedKey) {
		owner, ok, errOwner := s.ChatIDByVRCID(ctx, vrcUserID)
		if errOwner != nil || !ok {
			return &ConflictError{VRCUserID: vrcUserID}
		}
		return &ConflictError{VRCUserID: vrcUserID, OwnerChatID: owner}
	}
	return errTx
}

// GetBinding returns the global binding for chatID, or nil when absent.
func (s *Store) GetBinding(ctx context.Context, chatID uint64) (*models.Binding, error) {
	var row models.Binding
	errFind := s.conn.WithContext(ctx).First(&row, "chat_id = ?", chatID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, errFind
	}
	return &row, nil
}

// ChatIDByVRCID reverse-looks-up the chat account holding a VRChat account.
func (s *Store) ChatIDByVRCID(ctx context.Context, vrcUserID string) (uint64, bool, error) {
	var row models.Binding
	errFind := s.conn.WithContext(ctx).Select("chat_id").First(&row, "vrc_user_id = ?", vrcUserID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if errFind != nil {
		return 0, false, errFind
	}
	return row.ChatID, true, nil
}

// ListBindings returns every global binding row.
func (s *Store) ListBindings(ctx context.Context) ([]models.Binding, error) {
	var rows []models.Binding
	if errFind := s.conn.WithContext(ctx).Order("chat_id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// SearchBindings matches bindings by chat id, VRChat id or display name.
func (s *Store) SearchBindings(ctx context.Context, query string) ([]models.Binding, error) {
	conn := s.conn.WithContext(ctx)
	pattern := db.NormalizeLikePattern(conn, "%"+query+"%")

	tx := conn.Where(db.CaseInsensitiveLikeExpr(conn, "vrc_name"), pattern).
		Or("vrc_user_id = ?", query)
	if chatID, errParse := strconv.ParseUint(query, 10, 64); errParse == nil {
		tx = tx.Or("chat_id = ?", chatID)
	}

	var rows []models.Binding
	if errFind := tx.Order("chat_id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// GroupBinding returns the group-scoped binding for a member, or nil.
func (s *Store) GroupBinding(ctx context.Context, groupID int64, chatID uint64) (*models.GroupBinding, error) {
	var row models.GroupBinding
	errFind := s.conn.WithContext(ctx).First(&row, "group_id = ? AND chat_id = ?", groupID, chatID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, errFind
	}
	return &row, nil
}

// GroupBindings returns every binding scoped to a group.
func (s *Store) GroupBindings(ctx context.Context, groupID int64) ([]models.GroupBinding, error) {
	var rows []models.GroupBinding
	if errFind := s.conn.WithContext(ctx).Where("group_id = ?", groupID).Order("chat_id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// UnbindFromGroup deletes only the group-scoped row. The global binding
// survives, except that a matching origin group id is cleared. Returns
// whether a row was removed.
func (s *Store) UnbindFromGroup(ctx context.Context, groupID int64, chatID uint64) (bool, error) {
	removed := false
	errTx := s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("group_id = ? AND chat_id = ?", groupID, chatID).Delete(&models.GroupBinding{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected > 0

		return tx.Model(&models.Binding{}).
			Where("chat_id = ? AND origin_group_id = ?", chatID, groupID).
			Update("origin_group_id", nil).Error
	})
	return removed, errTx
}

// UnbindGlobally removes the chat account everywhere: the global binding,
// all group-scoped rows, any pending challenge and the global verification.
func (s *Store) UnbindGlobally(ctx context.Context, chatID uint64) error {
	return s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDel := tx.Where("chat_id = ?", chatID).Delete(&models.GroupBinding{}).Error; errDel != nil {
			return errDel
		}
		if errDel := tx.Where("chat_id = ?", chatID).Delete(&models.Verification{}).Error; errDel != nil {
			return errDel
		}
		if errDel := tx.Where("chat_id = ?", chatID).Delete(&models.GlobalVerification{}).Error; errDel != nil {
			return errDel
		}
		return tx.Where("chat_id = ?", chatID).Delete(&models.Binding{}).Error
	})
}

// PutVerification replaces the live challenge for chatID with a fresh one.
func (s *Store) PutVerification(ctx context.Context, chatID uint64, vrcUserID, vrcName, code string, groupID *int64) error {
	row := models.Verification{
		ChatID:    chatID,
		VRCUserID: vrcUserID,
		VRCName:   vrcName,
		Code:      code,
		GroupID:   groupID,
		IsExpired: false,
		CreatedAt: time.Now(),
	}
	return s.conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"vrc_user_id", "vrc_name", "code", "group_id", "is_expired", "created_at"}),
	}).Create(&row).Error
}

// GetVerification returns the live challenge for chatID, or nil.
func (s *Store) GetVerification(ctx context.Context, chatID uint64) (*models.Verification, error) {
	var row models.Verification
	errFind := s.conn.WithContext(ctx).First(&row, "chat_id = ?", chatID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, errFind
	}
	return &row, nil
}

// DeleteVerification removes the live challenge for chatID.
func (s *Store) DeleteVerification(ctx context.Context, chatID uint64) error {
	return s.conn.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&models.Verification{}).Error
}

// MarkVerificationExpired flags the challenge for chatID as expired.
func (s *Store) MarkVerificationExpired(ctx context.Context, chatID uint64) error {
	return s.conn.WithContext(ctx).Model(&models.Verification{}).
		Where("chat_id = ?", chatID).
		Update("is_expired", true).Error
}

// ExpireOutdatedVerifications batch-flags challenges older than ttl.
// A single UPDATE keeps it safe against concurrent reads; no row is ever
// partially updated. Returns the number of rows flagged.
func (s *Store) ExpireOutdatedVerifications(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res := s.conn.WithContext(ctx).Model(&models.Verification{}).
		Where("is_expired = ? AND created_at < ?", false, cutoff).
		Update("is_expired", true)
	return res.RowsAffected, res.Error
}

// OutdatedVerifications returns live challenges older than ttl, oldest
// first. Callers enforce per-group consequences before flagging them.
func (s *Store) OutdatedVerifications(ctx context.Context, ttl time.Duration) ([]models.Verification, error) {
	cutoff := time.Now().Add(-ttl)
	var rows []models.Verification
	errFind := s.conn.WithContext(ctx).
		Where("is_expired = ? AND created_at < ?", false, cutoff).
		Order("created_at ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// PutGlobalVerification records a passed ownership challenge. The first
// success wins; later calls against an existing row are no-ops so the
// original verified-at time is kept.
func (s *Store) PutGlobalVerification(ctx context.Context, chatID uint64, vrcUserID, vrcName, verifiedBy string) error {
	row := models.GlobalVerification{
		ChatID:     chatID,
		VRCUserID:  vrcUserID,
		VRCName:    vrcName,
		VerifiedBy: verifiedBy,
	}
	return s.conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

// GlobalVerification returns the global verification for chatID, or nil.
func (s *Store) GlobalVerification(ctx context.Context, chatID uint64) (*models.GlobalVerification, error) {
	var row models.GlobalVerification
	errFind := s.conn.WithContext(ctx).First(&row, "chat_id = ?", chatID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, errFind
	}
	return &row, nil
}

// DeleteGlobalVerification removes a global verification (superadmin path).
func (s *Store) DeleteGlobalVerification(ctx context.Context, chatID uint64) error {
	return s.conn.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&models.GlobalVerification{}).Error
}

// Counts returns operational totals for the status API.
func (s *Store) Counts(ctx context.Context) (bindings, groupBindings, pending, verified int64, err error) {
	conn := s.conn.WithContext(ctx)
	if err = conn.Model(&models.Binding{}).Count(&bindings).Error; err != nil {
		return
	}
	if err = conn.Model(&models.GroupBinding{}).Count(&groupBindings).Error; err != nil {
		return
	}
	if err = conn.Model(&models.Verification{}).Where("is_expired = ?", false).Count(&pending).Error; err != nil {
		return
	}
	err = conn.Model(&models.GlobalVerification{}).Count(&verified).Error
	return
}
