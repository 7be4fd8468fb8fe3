package vrchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var (
	// ErrNotFound marks a lookup for an id the platform does not know.
	ErrNotFound = errors.New("vrchat: not found")
	// ErrUnauthorized marks a request the platform refused even after a
	// fresh login attempt.
	ErrUnauthorized = errors.New("vrchat: unauthorized")
	// ErrRateLimited marks a request still throttled after all retries.
	ErrRateLimited = errors.New("vrchat: rate limited")

	errLogin = errors.New("vrchat: login failed")
)

// trollTags are account tags the platform attaches to flagged users.
var trollTags = []string{"system_troll", "system_probable_troll"}

// User is the slice of a platform profile the bot cares about.
type User struct {
	ID                string
	DisplayName       string
	Status            string
	StatusDescription string
	Tags              []string
}

// IsTroll reports whether the account carries a risk tag.
func (u *User) IsTroll() bool {
	for _, tag := range u.Tags {
		for _, bad := range trollTags {
			if tag == bad {
				return true
			}
		}
	}
	return false
}

// GroupMember is a platform group membership record.
type GroupMember struct {
	GroupID string
	UserID  string
	RoleIDs []string
}

// Options configures a Client.
type Options struct {
	APIBase    string
	Username   string
	Password   string
	TOTPSecret string
	UserAgent  string
	Timeout    time.Duration
	// MaxRetries bounds 429 retries per request. Zero means 3.
	MaxRetries int
}

// Client talks to the platform web API over a cookie-backed session.
// It logs in lazily, re-authenticates once on 401, and backs off on 429.
type Client struct {
	http       *http.Client
	apiBase    string
	username   string
	password   string
	totpSecret string
	userAgent  string
	maxRetries int

	loginMu  sync.Mutex
	loggedIn bool

	// backoffBase is the first 429 delay, doubled per retry. Tests shrink it.
	backoffBase time.Duration
}

// NewClient builds a client. It does not contact the platform until the
// first request.
func NewClient(opts Options) *Client {
	jar, _ := cookiejar.New(nil)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	base := strings.TrimSuffix(opts.APIBase, "/")
	if base == "" {
		base = "https://api.vrchat.cloud/api/1"
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "vrcguard/1.0"
	}
	return &Client{
		http:        &http.Client{Jar: jar, Timeout: timeout},
		apiBase:     base,
		username:    opts.Username,
		password:    opts.Password,
		totpSecret:  opts.TOTPSecret,
		userAgent:   ua,
		maxRetries:  retries,
		backoffBase: time.Second,
	}
}

// Login establishes a cookie session, completing the TOTP step when the
// platform demands it. Safe to call concurrently; only one login runs.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/auth/user", nil)
	if errReq != nil {
		return errReq
	}
	req.SetBasicAuth(url.QueryEscape(c.username), url.QueryEscape(c.password))
	req.Header.Set("User-Agent", c.userAgent)

	resp, errDo := c.http.Do(req)
	if errDo != nil {
		return errDo
	}
	body, errRead := drain(resp)
	if errRead != nil {
		return errRead
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: credentials rejected", errLogin)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: auth returned %d", errLogin, resp.StatusCode)
	}

	parsed := gjson.ParseBytes(body)
	if needsTOTP(parsed) {
		if c.totpSecret == "" {
			return fmt.Errorf("%w: account requires TOTP but no secret configured", errLogin)
		}
		if errVerify := c.verifyTOTP(ctx); errVerify != nil {
			return errVerify
		}
	}
	c.loggedIn = true
	log.WithField("user", c.username).Info("vrchat session established")
	return nil
}

func needsTOTP(auth gjson.Result) bool {
	needed := false
	auth.Get("requiresTwoFactorAuth").ForEach(func(_, method gjson.Result) bool {
		if method.String() == "totp" {
			needed = true
			return false
		}
		return true
	})
	return needed
}

func (c *Client) verifyTOTP(ctx context.Context) error {
	code, errCode := totp.GenerateCode(c.totpSecret, time.Now())
	if errCode != nil {
		return fmt.Errorf("%w: bad TOTP secret: %v", errLogin, errCode)
	}
	payload, _ := json.Marshal(map[string]string{"code": code})
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/auth/twofactorauth/totp/verify", bytes.NewReader(payload))
	if errReq != nil {
		return errReq
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, errDo := c.http.Do(req)
	if errDo != nil {
		return errDo
	}
	body, errRead := drain(resp)
	if errRead != nil {
		return errRead
	}
	if resp.StatusCode != http.StatusOK || !gjson.GetBytes(body, "verified").Bool() {
		return fmt.Errorf("%w: TOTP verification refused (%d)", errLogin, resp.StatusCode)
	}
	return nil
}

// do performs an authenticated request with one transparent re-login on
// 401 and bounded exponential backoff on 429.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if errEnsure := c.ensureSession(ctx); errEnsure != nil {
		return nil, errEnsure
	}

	relogged := false
	delay := c.backoffBase
	for attempt := 0; ; attempt++ {
		body, status, errOnce := c.doOnce(ctx, method, path, query, payload)
		if errOnce != nil {
			return nil, errOnce
		}
		switch {
		case status == http.StatusUnauthorized && !relogged:
			relogged = true
			log.WithField("path", path).Warn("vrchat session expired, re-authenticating")
			if errLoginAgain := c.relogin(ctx); errLoginAgain != nil {
				return nil, errLoginAgain
			}
			continue
		case status == http.StatusUnauthorized:
			return nil, ErrUnauthorized
		case status == http.StatusTooManyRequests:
			if attempt >= c.maxRetries {
				return nil, ErrRateLimited
			}
			log.WithFields(log.Fields{"path": path, "delay": delay}).Warn("vrchat rate limited, backing off")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
			continue
		case status == http.StatusNotFound:
			return nil, ErrNotFound
		case status >= 400:
			return nil, fmt.Errorf("vrchat: %s %s returned %d: %s", method, path, status, truncate(body))
		}
		return body, nil
	}
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.loggedIn {
		return nil
	}
	return c.loginLocked(ctx)
}

func (c *Client) relogin(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	c.loggedIn = false
	return c.loginLocked(ctx)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, int, error) {
	target := c.apiBase + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		encoded, errMarshal := json.Marshal(payload)
		if errMarshal != nil {
			return nil, 0, errMarshal
		}
		reader = bytes.NewReader(encoded)
	}
	req, errReq := http.NewRequestWithContext(ctx, method, target, reader)
	if errReq != nil {
		return nil, 0, errReq
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, errDo := c.http.Do(req)
	if errDo != nil {
		return nil, 0, errDo
	}
	body, errRead := drain(resp)
	if errRead != nil {
		return nil, 0, errRead
	}
	return body, resp.StatusCode, nil
}

// GetUser fetches a profile by platform user id.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	body, errDo := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil)
	if errDo != nil {
		return nil, errDo
	}
	return parseUser(gjson.ParseBytes(body)), nil
}

// SearchUsers looks up profiles by display name. Results keep the
// platform's relevance order.
func (c *Client) SearchUsers(ctx context.Context, name string) ([]*User, error) {
	q := url.Values{}
	q.Set("search", name)
	q.Set("n", "10")
	body, errDo := c.do(ctx, http.MethodGet, "/users", q, nil)
	if errDo != nil {
		return nil, errDo
	}
	var users []*User
	gjson.ParseBytes(body).ForEach(func(_, item gjson.Result) bool {
		users = append(users, parseUser(item))
		return true
	})
	return users, nil
}

// GetGroupMember fetches a user's membership in a platform group.
// ErrNotFound means the user is not a member.
func (c *Client) GetGroupMember(ctx context.Context, groupID, userID string) (*GroupMember, error) {
	path := "/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(userID)
	body, errDo := c.do(ctx, http.MethodGet, path, nil, nil)
	if errDo != nil {
		return nil, errDo
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.Get("userId").Exists() {
		return nil, ErrNotFound
	}
	member := &GroupMember{
		GroupID: parsed.Get("groupId").String(),
		UserID:  parsed.Get("userId").String(),
	}
	parsed.Get("roleIds").ForEach(func(_, role gjson.Result) bool {
		member.RoleIDs = append(member.RoleIDs, role.String())
		return true
	})
	return member, nil
}

// AddGroupRole assigns a group role to a member.
func (c *Client) AddGroupRole(ctx context.Context, groupID, userID, roleID string) error {
	path := "/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(userID) +
		"/roles/" + url.PathEscape(roleID)
	_, errDo := c.do(ctx, http.MethodPut, path, nil, nil)
	return errDo
}

func parseUser(item gjson.Result) *User {
	u := &User{
		ID:                item.Get("id").String(),
		DisplayName:       item.Get("displayName").String(),
		Status:            item.Get("status").String(),
		StatusDescription: item.Get("statusDescription").String(),
	}
	item.Get("tags").ForEach(func(_, tag gjson.Result) bool {
		u.Tags = append(u.Tags, tag.String())
		return true
	})
	return u
}

func drain(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
