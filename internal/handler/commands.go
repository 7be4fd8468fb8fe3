package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/caiqy/vrcguard/internal/models"
	"github.com/caiqy/vrcguard/internal/onebot"
)

func (h *Handler) onGroupMessage(ctx context.Context, ev *onebot.Event) {
	text := strings.TrimSpace(ev.RawMessage)
	if !strings.HasPrefix(text, "!") && !strings.HasPrefix(text, "！") {
		return
	}
	text = strings.TrimPrefix(strings.TrimPrefix(text, "!"), "！")

	command, argument, _ := strings.Cut(text, " ")
	command = strings.ToLower(strings.TrimSpace(command))
	argument = strings.TrimSpace(argument)

	switch command {
	case "verify":
		h.verifyChallenge(ctx, ev.GroupID, ev.UserID)
	case "code":
		h.reissueCode(ctx, ev.GroupID, ev.UserID)
	case "bind":
		h.cmdBind(ctx, ev.GroupID, ev.UserID, argument)
	case "unbind":
		h.cmdUnbind(ctx, ev.GroupID, ev.UserID, argument)
	case "query":
		h.cmdQuery(ctx, ev.GroupID, ev.UserID)
	}
}

// cmdBind resolves the named account and starts an ownership challenge.
// Groups with verification disabled bind on say-so instead.
func (h *Handler) cmdBind(ctx context.Context, groupID int64, userID uint64, argument string) {
	logger := log.WithFields(log.Fields{"group": groupID, "user": userID})

	if argument == "" {
		h.reply(ctx, groupID, userID, "用法：!bind <VRChat用户ID或昵称>")
		return
	}

	identity, errResolve := h.resolveIdentity(ctx, extractAnswer(argument))
	if errResolve != nil {
		logger.WithError(errResolve).Warn("handler: bind resolution failed")
		h.reply(ctx, groupID, userID, "VRChat 接口暂时不可用，请稍后再试")
		return
	}
	if identity == nil {
		h.reply(ctx, groupID, userID, fmt.Sprintf("找不到 VRChat 账号 %q，请检查用户 ID 或昵称", argument))
		return
	}

	owner, bound, errOwner := h.store.ChatIDByVRCID(ctx, identity.ID)
	if errOwner != nil {
		logger.WithError(errOwner).Error("handler: conflict check failed")
		return
	}
	if bound && owner != userID {
		h.reply(ctx, groupID, userID, fmt.Sprintf("VRChat 账号 %s 已被 QQ %d 绑定", identity.DisplayName, owner))
		return
	}

	// Groups that opted out of verification accept the claim as-is.
	mode := h.store.GroupSettingString(ctx, groupID, models.SettingVerificationMode, models.ModeMixed)
	if mode == models.ModeDisabled {
		if errBind := h.store.Bind(ctx, userID, identity.ID, identity.DisplayName, models.BindKindManual, &groupID); errBind != nil {
			logger.WithError(errBind).Error("handler: manual bind failed")
			return
		}
		h.reply(ctx, groupID, userID, fmt.Sprintf("已绑定 VRChat 账号 %s", identity.DisplayName))
		return
	}

	h.issueChallenge(ctx, groupID, userID, identity.ID, identity.DisplayName, logger)
}

func (h *Handler) cmdUnbind(ctx context.Context, groupID int64, userID uint64, argument string) {
	logger := log.WithFields(log.Fields{"group": groupID, "user": userID})

	if strings.EqualFold(argument, "all") {
		if errUnbind := h.store.UnbindGlobally(ctx, userID); errUnbind != nil {
			logger.WithError(errUnbind).Error("handler: global unbind failed")
			return
		}
		h.reply(ctx, groupID, userID, "已解除你在所有群的绑定和验证记录")
		return
	}

	removed, errUnbind := h.store.UnbindFromGroup(ctx, groupID, userID)
	if errUnbind != nil {
		logger.WithError(errUnbind).Error("handler: group unbind failed")
		return
	}
	if !removed {
		h.reply(ctx, groupID, userID, "你在本群没有绑定记录。!unbind all 可解除全部绑定")
		return
	}
	h.reply(ctx, groupID, userID, "已解除你在本群的绑定（全局验证保留）")
}

func (h *Handler) cmdQuery(ctx context.Context, groupID int64, userID uint64) {
	logger := log.WithFields(log.Fields{"group": groupID, "user": userID})

	binding, errBinding := h.store.GetBinding(ctx, userID)
	if errBinding != nil {
		logger.WithError(errBinding).Error("handler: binding lookup failed")
		return
	}
	challenge, errChallenge := h.store.GetVerification(ctx, userID)
	if errChallenge != nil {
		logger.WithError(errChallenge).Error("handler: challenge lookup failed")
		return
	}
	global, errGlobal := h.store.GlobalVerification(ctx, userID)
	if errGlobal != nil {
		logger.WithError(errGlobal).Error("handler: global verification lookup failed")
		return
	}

	switch {
	case binding != nil:
		state := "未全局验证"
		if global != nil {
			state = "已全局验证"
		}
		h.reply(ctx, groupID, userID, fmt.Sprintf("当前绑定：%s（%s，类型 %s，%s）",
			binding.VRCName, binding.VRCUserID, binding.Kind, state))
	case challenge != nil && !challenge.IsExpired && time.Since(challenge.CreatedAt) <= h.codeTTL:
		h.reply(ctx, groupID, userID, fmt.Sprintf("验证进行中，验证码 %s。填入 VRChat 状态后发送 !verify", challenge.Code))
	default:
		h.reply(ctx, groupID, userID, "尚未绑定 VRChat 账号。发送 !bind <VRChat用户ID或昵称> 开始绑定")
	}
}
