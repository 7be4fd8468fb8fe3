package handler

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/caiqy/vrcguard/internal/models"
	"github.com/caiqy/vrcguard/internal/onebot"
)

func (h *Handler) onMemberJoined(ctx context.Context, ev *onebot.Event) {
	logger := log.WithFields(log.Fields{"group": ev.GroupID, "user": ev.UserID})

	// A globally verified account joins without a new challenge.
	global, errGlobal := h.store.GlobalVerification(ctx, ev.UserID)
	if errGlobal != nil {
		logger.WithError(errGlobal).Error("handler: global verification lookup failed")
		return
	}
	if global != nil {
		h.admitVerified(ctx, ev.GroupID, ev.UserID, global.VRCUserID, global.VRCName, logger)
		return
	}

	// The join request resolved an identity; issue the ownership
	// challenge now that the member can read the group.
	if identity, ok := h.pending.Take(ev.UserID); ok {
		h.issueChallenge(ctx, ev.GroupID, ev.UserID, identity.VRCUserID, identity.VRCName, logger)
		return
	}

	h.welcome(ctx, ev.GroupID, ev.UserID, "")
	h.reply(ctx, ev.GroupID, ev.UserID, "欢迎加入！发送 !bind <VRChat用户ID或昵称> 绑定你的 VRChat 账号")
}

// admitVerified records the group membership of an already-verified
// account and applies the group's rename/role/welcome settings.
func (h *Handler) admitVerified(ctx context.Context, groupID int64, userID uint64, vrcUserID, vrcName string, logger *log.Entry) {
	kind := models.BindKindAuto
	if binding, errBinding := h.store.GetBinding(ctx, userID); errBinding == nil && binding != nil {
		kind = binding.Kind
	}
	if errBind := h.store.Bind(ctx, userID, vrcUserID, vrcName, kind, &groupID); errBind != nil {
		logger.WithError(errBind).Error("handler: auto group binding failed")
		return
	}
	logger.WithField("vrc", vrcUserID).Info("handler: verified member admitted")
	h.applyMemberSettings(ctx, groupID, userID, vrcUserID, vrcName)
}

// issueChallenge persists a fresh code and tells the member how to prove
// account ownership.
func (h *Handler) issueChallenge(ctx context.Context, groupID int64, userID uint64, vrcUserID, vrcName string, logger *log.Entry) {
	code := h.genCode()
	if errPut := h.store.PutVerification(ctx, userID, vrcUserID, vrcName, code, &groupID); errPut != nil {
		logger.WithError(errPut).Error("handler: challenge persist failed")
		return
	}
	logger.WithField("vrc", vrcUserID).Info("handler: challenge issued")

	minutes := int(h.codeTTL.Minutes())
	h.sendChallengeCode(ctx, groupID, userID, fmt.Sprintf(
		"请在 %d 分钟内将验证码 %s 填入 VRChat 个人状态（Status Description），然后在群里发送 !verify 完成验证",
		minutes, code))
}

// sendChallengeCode delivers the code privately; members who block direct
// messages still get it via a group mention.
func (h *Handler) sendChallengeCode(ctx context.Context, groupID int64, userID uint64, text string) {
	if errDM := h.gateway.SendPrivateMsg(ctx, userID, text); errDM == nil {
		h.reply(ctx, groupID, userID, "验证码已私信发送，填入 VRChat 状态后在群里发送 !verify")
		return
	}
	h.reply(ctx, groupID, userID, text)
}

func (h *Handler) onMemberLeft(ctx context.Context, ev *onebot.Event) {
	logger := log.WithFields(log.Fields{"group": ev.GroupID, "user": ev.UserID})

	// Leaving one group never touches global state.
	removed, errUnbind := h.store.UnbindFromGroup(ctx, ev.GroupID, ev.UserID)
	if errUnbind != nil {
		logger.WithError(errUnbind).Error("handler: group unbind failed")
		return
	}
	if removed {
		logger.Info("handler: member left, group binding removed")
	}
}

// applyMemberSettings performs the optional post-admission actions a
// group can enable: in-group rename, platform role assignment, welcome.
func (h *Handler) applyMemberSettings(ctx context.Context, groupID int64, userID uint64, vrcUserID, vrcName string) {
	logger := log.WithFields(log.Fields{"group": groupID, "user": userID})

	if h.store.GroupSettingBool(ctx, groupID, models.SettingAutoRename, false) && vrcName != "" {
		if errCard := h.gateway.SetGroupCard(ctx, groupID, userID, vrcName); errCard != nil {
			logger.WithError(errCard).Warn("handler: rename failed")
		}
	}

	if h.store.GroupSettingBool(ctx, groupID, models.SettingAutoAssignRole, false) {
		vrcGroupID := h.store.GroupSettingString(ctx, groupID, models.SettingVRCGroupID, "")
		roleID := h.store.GroupSettingString(ctx, groupID, models.SettingTargetRoleID, "")
		if vrcGroupID != "" && roleID != "" {
			if errRole := h.vrc.AddGroupRole(ctx, vrcGroupID, vrcUserID, roleID); errRole != nil {
				logger.WithError(errRole).Warn("handler: role assignment failed")
			}
		}
	}

	h.welcome(ctx, groupID, userID, vrcName)
}

func (h *Handler) welcome(ctx context.Context, groupID int64, userID uint64, vrcName string) {
	if !h.store.GroupSettingBool(ctx, groupID, models.SettingEnableWelcome, false) {
		return
	}
	template := h.store.GroupSettingString(ctx, groupID, models.SettingWelcomeMessage, "欢迎 {name} 加入本群！")
	name := vrcName
	if name == "" {
		name = fmt.Sprintf("%d", userID)
	}
	msg := strings.ReplaceAll(template, "{name}", name)
	if errSend := h.gateway.SendGroupMsg(ctx, groupID, msg); errSend != nil {
		log.WithError(errSend).WithField("group", groupID).Warn("handler: welcome failed")
	}
}
