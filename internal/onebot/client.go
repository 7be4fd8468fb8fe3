package onebot

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Caller is the correlated request/response primitive the typed client
// rides on. *Session is the production implementation.
type Caller interface {
	Call(ctx context.Context, action string, params any, timeout time.Duration) (gjson.Result, error)
}

// Client exposes the gateway actions the bot uses as typed calls.
type Client struct {
	caller  Caller
	timeout time.Duration
}

// NewClient wraps a caller with the default per-call timeout.
func NewClient(caller Caller, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{caller: caller, timeout: timeout}
}

func (c *Client) call(ctx context.Context, action string, params any, timeout time.Duration) (gjson.Result, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	res, errCall := c.caller.Call(ctx, action, params, timeout)
	if errCall != nil {
		return gjson.Result{}, errCall
	}
	if status := res.Get("status").String(); status != "ok" && status != "async" {
		return res, fmt.Errorf("onebot: %s failed: status=%s retcode=%d", action, status, res.Get("retcode").Int())
	}
	return res, nil
}

// SendGroupMsg sends a text message into a group.
func (c *Client) SendGroupMsg(ctx context.Context, groupID int64, message string) error {
	_, errCall := c.call(ctx, "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  message,
	}, 0)
	return errCall
}

// SendPrivateMsg sends a direct message to a user.
func (c *Client) SendPrivateMsg(ctx context.Context, userID uint64, message string) error {
	_, errCall := c.call(ctx, "send_private_msg", map[string]any{
		"user_id": userID,
		"message": message,
	}, 0)
	return errCall
}

// ApproveRequest approves a pending join request by flag.
func (c *Client) ApproveRequest(ctx context.Context, flag, subType string) error {
	_, errCall := c.call(ctx, "set_group_add_request", map[string]any{
		"flag":     flag,
		"sub_type": subType,
		"approve":  true,
	}, 10*time.Second)
	return errCall
}

// RejectRequest rejects a pending join request with a human-readable reason.
func (c *Client) RejectRequest(ctx context.Context, flag, subType, reason string) error {
	_, errCall := c.call(ctx, "set_group_add_request", map[string]any{
		"flag":     flag,
		"sub_type": subType,
		"approve":  false,
		"reason":   reason,
	}, 10*time.Second)
	return errCall
}

// SetGroupCard sets a member's in-group display name.
func (c *Client) SetGroupCard(ctx context.Context, groupID int64, userID uint64, card string) error {
	_, errCall := c.call(ctx, "set_group_card", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"card":     card,
	}, 0)
	return errCall
}

// SetGroupBan mutes a member; duration zero lifts the mute.
func (c *Client) SetGroupBan(ctx context.Context, groupID int64, userID uint64, duration time.Duration) error {
	_, errCall := c.call(ctx, "set_group_ban", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"duration": int64(duration.Seconds()),
	}, 0)
	return errCall
}

// KickGroupMember removes a member from a group.
func (c *Client) KickGroupMember(ctx context.Context, groupID int64, userID uint64, rejectAddRequest bool) error {
	_, errCall := c.call(ctx, "set_group_kick", map[string]any{
		"group_id":           groupID,
		"user_id":            userID,
		"reject_add_request": rejectAddRequest,
	}, 0)
	return errCall
}
