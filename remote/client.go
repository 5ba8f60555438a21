// Package remote talks to an external homeserver HTTP backend. Every call is
// a bearer-authenticated request/response; non-2xx responses surface
// uniformly as *internal.RemoteCallError carrying the status code.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jianluochat/chatd/internal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ClientVersion = ""

// Client is the interface the rest of the server programs against; one client
// can be shared among many users.
type Client interface {
	Login(ctx context.Context, username, password string) (accessToken, userID string, err error)
	Register(ctx context.Context, username, password string) (accessToken, userID string, err error)
	CreateRoom(ctx context.Context, accessToken, name, topic string, isPublic bool) (roomID string, err error)
	JoinRoom(ctx context.Context, accessToken, roomID string) error
	LeaveRoom(ctx context.Context, accessToken, roomID string) error
	SendMessage(ctx context.Context, accessToken, roomID, body string) (eventID string, err error)
	ListRooms(ctx context.Context, accessToken string) ([]string, error)
	GetMessages(ctx context.Context, accessToken, roomID string, limit int) ([]json.RawMessage, error)
	Sync(ctx context.Context, accessToken, since string) (*SyncResponse, error)
	Versions(ctx context.Context) ([]string, error)
}

// SyncResponse is the slice of the upstream /sync payload this server cares
// about.
type SyncResponse struct {
	NextBatch string                      `json:"next_batch"`
	Rooms     map[string]SyncRoomResponse `json:"rooms"`
}

type SyncRoomResponse struct {
	Events []json.RawMessage `json:"events"`
}

// HTTPClient implements Client against a Matrix-style client-server API.
type HTTPClient struct {
	Client            *http.Client
	DestinationServer string
}

func NewHTTPClient(destinationServer string) *HTTPClient {
	return &HTTPClient{
		Client:            &http.Client{Timeout: 30 * time.Second},
		DestinationServer: destinationServer,
	}
}

func (c *HTTPClient) do(ctx context.Context, op, method, path, accessToken string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.DestinationServer+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: NewRequest failed: %w", op, err)
	}
	req.Header.Set("User-Agent", "chatd-"+ClientVersion)
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response failed: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &internal.RemoteCallError{Op: op, StatusCode: res.StatusCode}
	}
	return resBody, nil
}

func authBody(username, password string) []byte {
	body := []byte(`{"type":"m.login.password"}`)
	body, _ = sjson.SetBytes(body, "identifier.type", "m.id.user")
	body, _ = sjson.SetBytes(body, "identifier.user", username)
	body, _ = sjson.SetBytes(body, "password", password)
	return body
}

func (c *HTTPClient) Login(ctx context.Context, username, password string) (string, string, error) {
	res, err := c.do(ctx, "login", "POST", "/_matrix/client/r0/login", "", authBody(username, password))
	if err != nil {
		return "", "", err
	}
	parsed := gjson.ParseBytes(res)
	return parsed.Get("access_token").Str, parsed.Get("user_id").Str, nil
}

func (c *HTTPClient) Register(ctx context.Context, username, password string) (string, string, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "username", username)
	body, _ = sjson.SetBytes(body, "password", password)
	res, err := c.do(ctx, "register", "POST", "/_matrix/client/r0/register", "", body)
	if err != nil {
		return "", "", err
	}
	parsed := gjson.ParseBytes(res)
	return parsed.Get("access_token").Str, parsed.Get("user_id").Str, nil
}

func (c *HTTPClient) CreateRoom(ctx context.Context, accessToken, name, topic string, isPublic bool) (string, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "name", name)
	body, _ = sjson.SetBytes(body, "topic", topic)
	visibility := "private"
	if isPublic {
		visibility = "public"
	}
	body, _ = sjson.SetBytes(body, "visibility", visibility)
	res, err := c.do(ctx, "createRoom", "POST", "/_matrix/client/r0/createRoom", accessToken, body)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(res, "room_id").Str, nil
}

func (c *HTTPClient) JoinRoom(ctx context.Context, accessToken, roomID string) error {
	path := "/_matrix/client/r0/rooms/" + url.PathEscape(roomID) + "/join"
	_, err := c.do(ctx, "joinRoom", "POST", path, accessToken, []byte(`{}`))
	return err
}

func (c *HTTPClient) LeaveRoom(ctx context.Context, accessToken, roomID string) error {
	path := "/_matrix/client/r0/rooms/" + url.PathEscape(roomID) + "/leave"
	_, err := c.do(ctx, "leaveRoom", "POST", path, accessToken, []byte(`{}`))
	return err
}

func (c *HTTPClient) SendMessage(ctx context.Context, accessToken, roomID, body string) (string, error) {
	msg := []byte(`{"msgtype":"m.text"}`)
	msg, _ = sjson.SetBytes(msg, "body", body)
	path := "/_matrix/client/r0/rooms/" + url.PathEscape(roomID) + "/send/m.room.message"
	res, err := c.do(ctx, "sendMessage", "POST", path, accessToken, msg)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(res, "event_id").Str, nil
}

func (c *HTTPClient) ListRooms(ctx context.Context, accessToken string) ([]string, error) {
	res, err := c.do(ctx, "listRooms", "GET", "/_matrix/client/r0/joined_rooms", accessToken, nil)
	if err != nil {
		return nil, err
	}
	var rooms []string
	for _, r := range gjson.GetBytes(res, "joined_rooms").Array() {
		rooms = append(rooms, r.Str)
	}
	return rooms, nil
}

func (c *HTTPClient) GetMessages(ctx context.Context, accessToken, roomID string, limit int) ([]json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/messages?dir=b&limit=%d", url.PathEscape(roomID), limit)
	res, err := c.do(ctx, "getMessages", "GET", path, accessToken, nil)
	if err != nil {
		return nil, err
	}
	var events []json.RawMessage
	for _, chunk := range gjson.GetBytes(res, "chunk").Array() {
		events = append(events, json.RawMessage(chunk.Raw))
	}
	return events, nil
}

// Versions is the unauthenticated reachability probe.
func (c *HTTPClient) Versions(ctx context.Context) ([]string, error) {
	res, err := c.do(ctx, "versions", "GET", "/_matrix/client/versions", "", nil)
	if err != nil {
		return nil, err
	}
	var versions []string
	for _, v := range gjson.GetBytes(res, "versions").Array() {
		versions = append(versions, v.Str)
	}
	return versions, nil
}

func (c *HTTPClient) Sync(ctx context.Context, accessToken, since string) (*SyncResponse, error) {
	path := "/_matrix/client/r0/sync?timeout=30000"
	if since != "" {
		path += "&since=" + url.QueryEscape(since)
	}
	res, err := c.do(ctx, "sync", "GET", path, accessToken, nil)
	if err != nil {
		return nil, err
	}
	var sr SyncResponse
	if err := json.Unmarshal(res, &sr); err != nil {
		return nil, fmt.Errorf("sync: response body decode JSON failed: %w", err)
	}
	return &sr, nil
}
