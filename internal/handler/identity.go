package handler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/caiqy/vrcguard/internal/vrchat"
)

// Timeout actions applied when a strict-mode challenge expires.
const (
	ActionKick = "kick"
	ActionMute = "mute"
)

// answerPrefixes are stripped from join-request comments before the rest
// is treated as a VRChat id or display name.
var answerPrefixes = []string{
	"vrc:", "vrchat:", "加群：", "加群:", "我是", "昵称", "ID:",
}

// extractAnswer reduces a join-request comment to the applicant's claimed
// identity. Question/answer style comments keep only the answer line.
func extractAnswer(comment string) string {
	answer := strings.TrimSpace(comment)
	if idx := strings.LastIndex(answer, "答案："); idx >= 0 {
		answer = answer[idx+len("答案："):]
	} else if idx := strings.LastIndex(answer, "答案:"); idx >= 0 {
		answer = answer[idx+len("答案:"):]
	}
	answer = strings.TrimSpace(answer)

	for changed := true; changed; {
		changed = false
		for _, prefix := range answerPrefixes {
			if len(answer) >= len(prefix) && strings.EqualFold(answer[:len(prefix)], prefix) {
				answer = strings.TrimSpace(answer[len(prefix):])
				changed = true
			}
		}
	}
	return answer
}

// resolveIdentity maps an answer to a platform profile. A "usr_" answer is
// a direct id lookup; anything else is a name search preferring an exact
// display-name match. Returns nil when nothing matches.
func (h *Handler) resolveIdentity(ctx context.Context, answer string) (*vrchat.User, error) {
	if answer == "" {
		return nil, nil
	}
	if strings.HasPrefix(answer, "usr_") {
		user, errGet := h.vrc.GetUser(ctx, answer)
		if errors.Is(errGet, vrchat.ErrNotFound) {
			return nil, nil
		}
		return user, errGet
	}

	results, errSearch := h.vrc.SearchUsers(ctx, answer)
	if errSearch != nil {
		return nil, errSearch
	}
	if len(results) == 0 {
		return nil, nil
	}
	for _, candidate := range results {
		if strings.EqualFold(candidate.DisplayName, answer) {
			return candidate, nil
		}
	}
	return results[0], nil
}

// generateCode returns a random six-digit challenge code.
func generateCode() string {
	n, errRand := rand.Int(rand.Reader, big.NewInt(1000000))
	if errRand != nil {
		log.WithError(errRand).Error("handler: random source failed")
		return fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)
	}
	return fmt.Sprintf("%06d", n.Int64())
}

func atMention(userID uint64) string {
	return fmt.Sprintf("[CQ:at,qq=%d]", userID)
}
