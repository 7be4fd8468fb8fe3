package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/caiqy/vrcguard/internal/models"
)

// SetGroupSetting upserts a per-group setting value.
func (s *Store) SetGroupSetting(ctx context.Context, groupID int64, name, value string) error {
	encoded, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return errMarshal
	}
	row := models.GroupSetting{
		GroupID: groupID,
		Name:    name,
		Value:   datatypes.JSON(encoded),
	}
	return s.conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
}

// DeleteGroupSetting removes a per-group setting override.
func (s *Store) DeleteGroupSetting(ctx context.Context, groupID int64, name string) error {
	return s.conn.WithContext(ctx).
		Where("group_id = ? AND name = ?", groupID, name).
		Delete(&models.GroupSetting{}).Error
}

// GroupSettingString returns the setting value for a group, or def when the
// row is absent. Read failures also fall back to def; a missing override
// must never block event handling.
func (s *Store) GroupSettingString(ctx context.Context, groupID int64, name, def string) string {
	var row models.GroupSetting
	errFind := s.conn.WithContext(ctx).First(&row, "group_id = ? AND name = ?", groupID, name).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return def
	}
	if errFind != nil {
		log.WithError(errFind).Warnf("store: read group setting %d/%s failed", groupID, name)
		return def
	}

	var value string
	if errUnmarshal := json.Unmarshal(row.Value, &value); errUnmarshal == nil {
		return value
	}
	return strings.Trim(string(row.Value), `"`)
}

// GroupSettingBool is GroupSettingString with boolean parsing. Accepts
// JSON booleans as well as "true"/"false" strings.
func (s *Store) GroupSettingBool(ctx context.Context, groupID int64, name string, def bool) bool {
	raw := s.GroupSettingString(ctx, groupID, name, strconv.FormatBool(def))
	parsed, errParse := strconv.ParseBool(strings.ToLower(strings.TrimSpace(raw)))
	if errParse != nil {
		return def
	}
	return parsed
}
