package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/caiqy/vrcguard/internal/models"
	"github.com/caiqy/vrcguard/internal/store"
	"github.com/caiqy/vrcguard/internal/vrchat"
)

// verifyChallenge checks the member's live challenge against their current
// platform status and finalizes the binding on a match.
func (h *Handler) verifyChallenge(ctx context.Context, groupID int64, userID uint64) {
	logger := log.WithFields(log.Fields{"group": groupID, "user": userID})

	challenge, errGet := h.store.GetVerification(ctx, userID)
	if errGet != nil {
		logger.WithError(errGet).Error("handler: challenge lookup failed")
		return
	}
	if challenge == nil {
		h.reply(ctx, groupID, userID, "没有待完成的验证。发送 !bind <VRChat用户ID或昵称> 开始绑定")
		return
	}
	if challenge.IsExpired || time.Since(challenge.CreatedAt) > h.codeTTL {
		if !challenge.IsExpired {
			if errMark := h.store.MarkVerificationExpired(ctx, userID); errMark != nil {
				logger.WithError(errMark).Warn("handler: expire mark failed")
			}
		}
		h.reply(ctx, groupID, userID, "验证码已过期，发送 !code 获取新的验证码")
		return
	}

	profile, errProfile := h.vrc.GetUser(ctx, challenge.VRCUserID)
	if errProfile != nil {
		if errors.Is(errProfile, vrchat.ErrNotFound) {
			h.reply(ctx, groupID, userID, "找不到待验证的 VRChat 账号，请发送 !bind 重新绑定")
			return
		}
		logger.WithError(errProfile).Warn("handler: profile fetch failed")
		h.reply(ctx, groupID, userID, "VRChat 接口暂时不可用，请稍后再试")
		return
	}

	if !strings.Contains(profile.StatusDescription, challenge.Code) {
		h.reply(ctx, groupID, userID, fmt.Sprintf(
			"未在你的 VRChat 状态中找到验证码 %s（当前状态：%s）。修改状态后请再次发送 !verify",
			challenge.Code, profile.StatusDescription))
		return
	}

	h.finalizeVerification(ctx, groupID, userID, challenge, profile, logger)
}

func (h *Handler) finalizeVerification(ctx context.Context, groupID int64, userID uint64, challenge *models.Verification, profile *vrchat.User, logger *log.Entry) {
	bindGroup := challenge.GroupID
	if bindGroup == nil {
		bindGroup = &groupID
	}
	errBind := h.store.Bind(ctx, userID, profile.ID, profile.DisplayName, models.BindKindVerified, bindGroup)
	var conflict *store.ConflictError
	if errors.As(errBind, &conflict) {
		h.reply(ctx, groupID, userID, fmt.Sprintf(
			"VRChat 账号 %s 已被 QQ %d 绑定，无法完成验证", profile.DisplayName, conflict.OwnerChatID))
		return
	}
	if errBind != nil {
		logger.WithError(errBind).Error("handler: verified bind failed")
		return
	}

	// The first passed challenge grants a durable global verification.
	if errGlobal := h.store.PutGlobalVerification(ctx, userID, profile.ID, profile.DisplayName, models.VerifiedBySystem); errGlobal != nil {
		logger.WithError(errGlobal).Error("handler: global verification persist failed")
	}
	if errDel := h.store.DeleteVerification(ctx, userID); errDel != nil {
		logger.WithError(errDel).Warn("handler: challenge cleanup failed")
	}

	logger.WithField("vrc", profile.ID).Info("handler: verification passed")
	h.reply(ctx, groupID, userID, fmt.Sprintf("验证成功！已绑定 VRChat 账号 %s", profile.DisplayName))
	h.applyMemberSettings(ctx, groupID, userID, profile.ID, profile.DisplayName)
}

// reissueCode regenerates the member's challenge when it is stale and
// otherwise repeats the live code.
func (h *Handler) reissueCode(ctx context.Context, groupID int64, userID uint64) {
	logger := log.WithFields(log.Fields{"group": groupID, "user": userID})

	challenge, errGet := h.store.GetVerification(ctx, userID)
	if errGet != nil {
		logger.WithError(errGet).Error("handler: challenge lookup failed")
		return
	}
	if challenge == nil {
		h.reply(ctx, groupID, userID, "没有待完成的验证。发送 !bind <VRChat用户ID或昵称> 开始绑定")
		return
	}

	if challenge.IsExpired || time.Since(challenge.CreatedAt) > h.codeTTL {
		h.issueChallenge(ctx, groupID, userID, challenge.VRCUserID, challenge.VRCName, logger)
		return
	}
	minutes := int(time.Until(challenge.CreatedAt.Add(h.codeTTL)).Minutes()) + 1
	h.sendChallengeCode(ctx, groupID, userID, fmt.Sprintf("当前验证码为 %s，约 %d 分钟内有效。填入 VRChat 状态后发送 !verify", challenge.Code, minutes))
}

// SweepExpired flags challenges past the TTL and applies the group's
// strict-mode timeout consequence. Registered with the scheduler.
func (h *Handler) SweepExpired(ctx context.Context) (int64, error) {
	outdated, errList := h.store.OutdatedVerifications(ctx, h.codeTTL)
	if errList != nil {
		return 0, errList
	}

	flagged, errExpire := h.store.ExpireOutdatedVerifications(ctx, h.codeTTL)
	if errExpire != nil {
		return 0, errExpire
	}

	for i := range outdated {
		h.enforceTimeout(ctx, &outdated[i])
	}
	return flagged, nil
}

// enforceTimeout removes or mutes a member whose strict-mode challenge
// lapsed. Other modes just leave the expired record for !code.
func (h *Handler) enforceTimeout(ctx context.Context, challenge *models.Verification) {
	if challenge.GroupID == nil {
		return
	}
	groupID := *challenge.GroupID
	logger := log.WithFields(log.Fields{"group": groupID, "user": challenge.ChatID})

	mode := h.store.GroupSettingString(ctx, groupID, models.SettingVerificationMode, models.ModeMixed)
	if mode != models.ModeStrict {
		return
	}

	// The snapshot may be stale: the member can complete verification (or
	// get a fresh code) between the sweep listing and this point. Only the
	// still-current, still-unbound record is enforced.
	current, errCurrent := h.store.GetVerification(ctx, challenge.ChatID)
	if errCurrent != nil {
		logger.WithError(errCurrent).Warn("handler: enforcement recheck failed")
		return
	}
	if current == nil || current.Code != challenge.Code {
		return
	}
	if binding, errBinding := h.store.GetBinding(ctx, challenge.ChatID); errBinding != nil || binding != nil {
		return
	}

	action := h.store.GroupSettingString(ctx, groupID, models.SettingTimeoutAction, h.timeoutAction)
	switch action {
	case ActionMute:
		if errMute := h.gateway.SetGroupBan(ctx, groupID, challenge.ChatID, h.muteDuration); errMute != nil {
			logger.WithError(errMute).Warn("handler: timeout mute failed")
			return
		}
		h.reply(ctx, groupID, challenge.ChatID, "验证超时，已被禁言。完成验证后联系管理员解除")
		logger.Info("handler: verification timeout, member muted")
	default:
		if errKick := h.gateway.KickGroupMember(ctx, groupID, challenge.ChatID, false); errKick != nil {
			logger.WithError(errKick).Warn("handler: timeout kick failed")
			return
		}
		logger.Info("handler: verification timeout, member removed")
	}
}
