package litterrobot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// Client talks to the Litter-Robot cloud API. Every request goes through
// the session's EnsureValid first; requests are refused locally while the
// session is disconnected.
type Client struct {
	baseURL    string
	apiKey     string
	session    *Session
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, session *Session) *Client {
	return NewClientWithHTTPClient(baseURL, apiKey, session, &http.Client{Timeout: defaultTimeout})
}

func NewClientWithHTTPClient(baseURL, apiKey string, session *Session, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		session:    session,
		httpClient: httpClient,
	}
}

// Session exposes the session for components that only manage auth state.
func (c *Client) Session() *Session {
	return c.session
}

// FetchRobots returns every robot on the account.
func (c *Client) FetchRobots(ctx context.Context) ([]Robot, error) {
	userID, err := c.userID(ctx)
	if err != nil {
		return nil, err
	}

	var robots []Robot
	if err := c.getJSON(ctx, fmt.Sprintf("/users/%s/robots", userID), &robots); err != nil {
		return nil, err
	}
	return robots, nil
}

// FetchRobot refreshes a single unit. The cloud only exposes the account
// list, so the list is fetched and filtered.
func (c *Client) FetchRobot(ctx context.Context, robotID string) (*Robot, error) {
	robots, err := c.FetchRobots(ctx)
	if err != nil {
		return nil, err
	}
	for i := range robots {
		if robots[i].LitterRobotID == robotID {
			return &robots[i], nil
		}
	}
	return nil, fmt.Errorf("robot %s not on account", robotID)
}

// FetchActivity returns the unit's most recent history rows.
func (c *Client) FetchActivity(ctx context.Context, robotID string, limit int) ([]Activity, error) {
	userID, err := c.userID(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Activities []Activity `json:"activities"`
	}
	path := fmt.Sprintf("/users/%s/robots/%s/activity?limit=%d", userID, robotID, limit)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Activities, nil
}

// DispatchCommand sends one encoded command token. Failures come back as a
// typed *CommandError so callers can branch on the kind.
func (c *Client) DispatchCommand(ctx context.Context, robotID, token string) error {
	userID, err := c.userID(ctx)
	if err != nil {
		return commandError(robotID, err)
	}

	payload := map[string]string{"command": "<" + token}
	path := fmt.Sprintf("/users/%s/robots/%s/dispatch-commands", userID, robotID)
	if err := c.sendJSON(ctx, http.MethodPost, path, payload); err != nil {
		return commandError(robotID, err)
	}
	return nil
}

// ResetGauge zeroes the drawer counters after a manual empty. The vendor
// models this as a PATCH of the unit record, not a command token.
func (c *Client) ResetGauge(ctx context.Context, robotID, nickname string, cycleCapacity int) error {
	userID, err := c.userID(ctx)
	if err != nil {
		return commandError(robotID, err)
	}

	payload := map[string]any{
		"litterRobotNickname":   nickname,
		"cycleCapacity":         cycleCapacity,
		"cycleCount":            0,
		"cyclesAfterDrawerFull": 0,
	}
	path := fmt.Sprintf("/users/%s/robots/%s", userID, robotID)
	if err := c.sendJSON(ctx, http.MethodPatch, path, payload); err != nil {
		return commandError(robotID, err)
	}
	return nil
}

func (c *Client) userID(ctx context.Context) (string, error) {
	if id := c.session.UserID(); id != "" {
		return id, nil
	}

	var resp struct {
		User struct {
			UserID string `json:"userId"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, "/users", &resp); err != nil {
		return "", err
	}
	if resp.User.UserID == "" {
		return "", fmt.Errorf("users endpoint returned no userId")
	}
	c.session.SetUserID(ctx, resp.User.UserID)
	return resp.User.UserID, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return c.statusError(resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return c.statusError(resp.StatusCode, data)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if err := c.session.EnsureValid(ctx); err != nil {
		return nil, err
	}
	token, ok := c.session.Token()
	if !ok {
		return nil, &AuthError{Kind: AuthUnknown, Reason: "session disconnected"}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// statusError converts a non-2xx API response. A 401 also invalidates the
// session so the next call re-authenticates.
func (c *Client) statusError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		c.session.Invalidate("api returned 401")
	}
	return HTTPStatusError{Status: status, Body: strings.TrimSpace(string(body))}
}

func commandError(robotID string, err error) *CommandError {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return &CommandError{Kind: CommandUnauthenticated, RobotID: robotID, Err: err}
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		kind := CommandUnknown
		if statusErr.Status == http.StatusUnauthorized || statusErr.Status == http.StatusForbidden {
			kind = CommandUnauthenticated
		}
		return &CommandError{Kind: kind, RobotID: robotID, Err: err}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &CommandError{Kind: CommandTimeout, RobotID: robotID, Err: err}
	}
	return &CommandError{Kind: CommandTransport, RobotID: robotID, Err: err}
}
