package handler

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/caiqy/vrcguard/internal/models"
	"github.com/caiqy/vrcguard/internal/onebot"
	"github.com/caiqy/vrcguard/internal/vrchat"
)

func (h *Handler) onJoinRequest(ctx context.Context, ev *onebot.Event) {
	logger := log.WithFields(log.Fields{"group": ev.GroupID, "user": ev.UserID})

	// The gateway may redeliver a request event; the flag makes handling
	// idempotent.
	if ev.Flag == "" || !h.flags.MarkHandled(ev.Flag) {
		logger.Debug("handler: join request already handled")
		return
	}
	if !h.store.GroupSettingBool(ctx, ev.GroupID, models.SettingAutoApproveRequest, false) {
		logger.Debug("handler: auto approval disabled for group")
		return
	}

	// An account that already passed an ownership challenge is trusted
	// everywhere.
	global, errGlobal := h.store.GlobalVerification(ctx, ev.UserID)
	if errGlobal != nil {
		logger.WithError(errGlobal).Error("handler: global verification lookup failed")
		return
	}
	if global != nil {
		h.approve(ctx, ev, logger.WithField("path", "global-verified"))
		return
	}

	// A returning member reconnects with their known identity; no new
	// challenge.
	binding, errBinding := h.store.GetBinding(ctx, ev.UserID)
	if errBinding != nil {
		logger.WithError(errBinding).Error("handler: binding lookup failed")
		return
	}
	if binding != nil {
		h.pending.Put(ev.UserID, binding.VRCUserID, binding.VRCName)
		h.approve(ctx, ev, logger.WithField("path", "reconnect"))
		return
	}

	mode := h.store.GroupSettingString(ctx, ev.GroupID, models.SettingVerificationMode, models.ModeMixed)

	answer := extractAnswer(ev.Comment)
	identity, errResolve := h.resolveIdentity(ctx, answer)
	if errResolve != nil {
		logger.WithError(errResolve).Warn("handler: identity resolution failed")
	}
	if identity == nil {
		h.onUnresolved(ctx, ev, mode, answer, logger)
		return
	}

	switch mode {
	case models.ModeDisabled:
		h.approve(ctx, ev, logger.WithField("path", "mode-disabled"))
	case models.ModeStrict, models.ModeMixed:
		ok, reason := h.policyChecks(ctx, ev, identity)
		if !ok {
			h.reject(ctx, ev, reason, logger)
			return
		}
		h.pending.Put(ev.UserID, identity.ID, identity.DisplayName)
		h.approve(ctx, ev, logger.WithField("vrc", identity.ID))
	default:
		logger.Warnf("handler: unknown verification mode %q, treating as mixed", mode)
		ok, reason := h.policyChecks(ctx, ev, identity)
		if !ok {
			h.reject(ctx, ev, reason, logger)
			return
		}
		h.pending.Put(ev.UserID, identity.ID, identity.DisplayName)
		h.approve(ctx, ev, logger)
	}
}

// onUnresolved handles a join request whose comment names no known
// platform account.
func (h *Handler) onUnresolved(ctx context.Context, ev *onebot.Event, mode, answer string, logger *log.Entry) {
	if mode == models.ModeDisabled {
		h.approve(ctx, ev, logger.WithField("path", "unresolved-disabled"))
		return
	}
	if h.store.GroupSettingBool(ctx, ev.GroupID, models.SettingAutoRejectOnJoin, false) {
		h.reject(ctx, ev, "无法识别你的 VRChat 账号，请在申请信息中填写 VRChat 用户 ID（usr_ 开头）或完整昵称后重新申请", logger)
		return
	}

	// Leave the request for a human admin, but surface it in the group.
	logger.WithField("answer", answer).Info("handler: join request parked for manual review")
	msg := fmt.Sprintf("收到 %d 的加群申请，但无法识别其 VRChat 账号（申请信息：%s），请管理员人工处理", ev.UserID, answer)
	if errSend := h.gateway.SendGroupMsg(ctx, ev.GroupID, msg); errSend != nil {
		logger.WithError(errSend).Warn("handler: park notice failed")
	}
}

// policyChecks runs the ordered admission checks: binding conflict, then
// platform group membership, then account risk. The first failure wins and
// its reason is what the applicant sees.
func (h *Handler) policyChecks(ctx context.Context, ev *onebot.Event, identity *vrchat.User) (bool, string) {
	owner, bound, errOwner := h.store.ChatIDByVRCID(ctx, identity.ID)
	if errOwner != nil {
		log.WithError(errOwner).Error("handler: conflict check failed")
		return false, "系统暂时无法处理申请，请稍后重试"
	}
	if bound && owner != ev.UserID {
		return false, fmt.Sprintf("VRChat 账号 %s 已被 QQ %d 绑定，如有疑问请联系管理员", identity.DisplayName, owner)
	}

	if h.store.GroupSettingBool(ctx, ev.GroupID, models.SettingCheckGroupMembership, false) {
		vrcGroupID := h.store.GroupSettingString(ctx, ev.GroupID, models.SettingVRCGroupID, "")
		if vrcGroupID != "" {
			_, errMember := h.vrc.GetGroupMember(ctx, vrcGroupID, identity.ID)
			switch {
			case errors.Is(errMember, vrchat.ErrNotFound):
				return false, fmt.Sprintf("你的 VRChat 账号 %s 不在本群对应的 VRChat 群组中，请先加入后再申请", identity.DisplayName)
			case errMember != nil:
				// Platform hiccups never lock members out of the chat
				// group; skip the check and let the join proceed.
				log.WithError(errMember).Warn("handler: membership check skipped")
			}
		}
	}

	if h.store.GroupSettingBool(ctx, ev.GroupID, models.SettingCheckTroll, false) && identity.IsTroll() {
		return false, "你的 VRChat 账号存在风险标记，已拒绝申请"
	}
	return true, ""
}

func (h *Handler) approve(ctx context.Context, ev *onebot.Event, logger *log.Entry) {
	if errApprove := h.gateway.ApproveRequest(ctx, ev.Flag, ev.SubType); errApprove != nil {
		logger.WithError(errApprove).Error("handler: approve failed")
		return
	}
	logger.Info("handler: join request approved")
}

func (h *Handler) reject(ctx context.Context, ev *onebot.Event, reason string, logger *log.Entry) {
	if errReject := h.gateway.RejectRequest(ctx, ev.Flag, ev.SubType, reason); errReject != nil {
		logger.WithError(errReject).Error("handler: reject failed")
		return
	}
	logger.WithField("reason", reason).Info("handler: join request rejected")
}
