package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// client is a minimal Matrix client-server API client. It covers exactly the
// endpoints this service needs: password login, sync, sending and editing
// room messages, DM room creation, and the Synapse registration-token admin
// API.
type client struct {
	homeserverURL string
	http          *http.Client

	// Written by the login path in Run, read by command goroutines.
	mu          sync.Mutex
	accessToken string
}

func newClient(homeserverURL string) *client {
	return &client{
		homeserverURL: strings.TrimRight(homeserverURL, "/"),
		// Sync long polls for 30s; leave headroom on top of that.
		http: &http.Client{Timeout: 45 * time.Second},
	}
}

func (c *client) setToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

func (c *client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

type apiError struct {
	StatusCode int
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("matrix api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.homeserverURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

func (c *client) login(ctx context.Context, userID, password, deviceID string) (loginResponse, error) {
	req := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": userID,
		},
		"password":                    password,
		"initial_device_display_name": "kelvin",
	}
	if deviceID != "" {
		req["device_id"] = deviceID
	}

	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, req, &resp)
	return resp, err
}

func (c *client) whoami(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &resp)
	return resp.UserID, err
}

type syncEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	EventID string          `json:"event_id"`
	Content json.RawMessage `json:"content"`
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []syncEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
	AccountData struct {
		Events []syncEvent `json:"events"`
	} `json:"account_data"`
}

func (c *client) sync(ctx context.Context, since string, timeout time.Duration) (syncResponse, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
		q.Set("timeout", fmt.Sprint(timeout.Milliseconds()))
	}

	var resp syncResponse
	err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", q, nil, &resp)
	return resp, err
}

type messageContent struct {
	MsgType       string          `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	NewContent    json.RawMessage `json:"m.new_content,omitempty"`
	RelatesTo     *relatesTo      `json:"m.relates_to,omitempty"`
}

type relatesTo struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
}

func (c *client) sendMessage(ctx context.Context, roomID, txnID string, content messageContent) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), url.PathEscape(txnID))

	var resp struct {
		EventID string `json:"event_id"`
	}
	err := c.do(ctx, http.MethodPut, path, nil, content, &resp)
	return resp.EventID, err
}

func (c *client) createDirectRoom(ctx context.Context, userID string) (string, error) {
	req := map[string]any{
		"is_direct": true,
		"invite":    []string{userID},
		"preset":    "trusted_private_chat",
	}

	var resp struct {
		RoomID string `json:"room_id"`
	}
	err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", nil, req, &resp)
	return resp.RoomID, err
}

// newRegistrationToken calls the Synapse admin API; the logged-in account
// must be a homeserver admin.
func (c *client) newRegistrationToken(ctx context.Context, usesAllowed int, expiry time.Time) (string, error) {
	req := map[string]any{
		"uses_allowed": usesAllowed,
		"expiry_time":  expiry.UnixMilli(),
	}

	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/_synapse/admin/v1/registration_tokens/new", nil, req, &resp)
	return resp.Token, err
}
