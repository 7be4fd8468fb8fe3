// Package handler implements the verification flow on top of gateway
// events: join requests, member joins and leaves, and the in-group
// command surface. Every durable effect goes through the store; the
// gateway and platform clients are injected behind narrow interfaces.
package handler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/caiqy/vrcguard/internal/cache"
	"github.com/caiqy/vrcguard/internal/onebot"
	"github.com/caiqy/vrcguard/internal/store"
	"github.com/caiqy/vrcguard/internal/vrchat"
)

// ChatGateway is the slice of gateway actions the handlers perform.
// *onebot.Client is the production implementation.
type ChatGateway interface {
	SendGroupMsg(ctx context.Context, groupID int64, message string) error
	SendPrivateMsg(ctx context.Context, userID uint64, message string) error
	ApproveRequest(ctx context.Context, flag, subType string) error
	RejectRequest(ctx context.Context, flag, subType, reason string) error
	SetGroupCard(ctx context.Context, groupID int64, userID uint64, card string) error
	SetGroupBan(ctx context.Context, groupID int64, userID uint64, duration time.Duration) error
	KickGroupMember(ctx context.Context, groupID int64, userID uint64, rejectAddRequest bool) error
}

// Platform is the slice of the game platform API the handlers use.
// *vrchat.Client is the production implementation.
type Platform interface {
	GetUser(ctx context.Context, userID string) (*vrchat.User, error)
	SearchUsers(ctx context.Context, name string) ([]*vrchat.User, error)
	GetGroupMember(ctx context.Context, groupID, userID string) (*vrchat.GroupMember, error)
	AddGroupRole(ctx context.Context, groupID, userID, roleID string) error
}

// Options wires a Handler.
type Options struct {
	Gateway ChatGateway
	VRC     Platform
	Store   *store.Store
	Pending *cache.PendingJoinCache
	Flags   *cache.FlagSet

	// CodeTTL bounds how long an issued challenge code stays valid.
	CodeTTL time.Duration
	// TimeoutAction is the process default for strict-mode expiry,
	// "kick" or "mute". Groups override it per setting.
	TimeoutAction string
	// MuteDuration applies when the timeout action is "mute".
	MuteDuration time.Duration
}

// Handler routes gateway events through the verification state machine.
type Handler struct {
	gateway ChatGateway
	vrc     Platform
	store   *store.Store
	pending *cache.PendingJoinCache
	flags   *cache.FlagSet

	codeTTL       time.Duration
	timeoutAction string
	muteDuration  time.Duration

	// genCode is swapped in tests for deterministic codes.
	genCode func() string
}

// New builds a Handler.
func New(opts Options) *Handler {
	codeTTL := opts.CodeTTL
	if codeTTL <= 0 {
		codeTTL = 5 * time.Minute
	}
	action := opts.TimeoutAction
	if action != ActionMute {
		action = ActionKick
	}
	mute := opts.MuteDuration
	if mute <= 0 {
		mute = 30 * 24 * time.Hour
	}
	return &Handler{
		gateway:       opts.Gateway,
		vrc:           opts.VRC,
		store:         opts.Store,
		pending:       opts.Pending,
		flags:         opts.Flags,
		codeTTL:       codeTTL,
		timeoutAction: action,
		muteDuration:  mute,
		genCode:       generateCode,
	}
}

// eventTimeout bounds the work done for a single gateway event.
const eventTimeout = 30 * time.Second

// Routes returns the dispatch table for the event router.
func (h *Handler) Routes() onebot.Handlers {
	return onebot.Handlers{
		Message: h.HandleMessage,
		Notice:  h.HandleNotice,
		Request: h.HandleRequest,
	}
}

// HandleRequest processes join-request events.
func (h *Handler) HandleRequest(ev *onebot.Event) {
	if ev.RequestType != onebot.RequestTypeGroup || ev.SubType != "add" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	h.onJoinRequest(ctx, ev)
}

// HandleNotice processes member join and leave notices.
func (h *Handler) HandleNotice(ev *onebot.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	switch ev.NoticeType {
	case onebot.NoticeGroupIncrease:
		h.onMemberJoined(ctx, ev)
	case onebot.NoticeGroupDecrease:
		h.onMemberLeft(ctx, ev)
	}
}

// HandleMessage processes group messages, dispatching commands.
func (h *Handler) HandleMessage(ev *onebot.Event) {
	if ev.MessageType != "group" || ev.RawMessage == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	h.onGroupMessage(ctx, ev)
}

func (h *Handler) reply(ctx context.Context, groupID int64, userID uint64, text string) {
	msg := atMention(userID) + " " + text
	if errSend := h.gateway.SendGroupMsg(ctx, groupID, msg); errSend != nil {
		log.WithError(errSend).WithField("group", groupID).Warn("handler: group message failed")
	}
}
