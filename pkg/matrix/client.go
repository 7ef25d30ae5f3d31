package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"smsbridge/pkg/matrix/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const msgTypeText = "m.text"

// HomeserverClient implements the remote transport against the Matrix
// client-server API (v3).
type HomeserverClient struct {
	homeserverURL string
	accessToken   string
	userID        string
	client        *http.Client
	logger        *logrus.Logger

	mu        sync.Mutex
	nextBatch string
}

func NewClient(homeserverURL, accessToken, userID string, httpClient *http.Client) types.Client {
	return NewClientWithLogger(homeserverURL, accessToken, userID, httpClient, nil)
}

func NewClientWithLogger(homeserverURL, accessToken, userID string, httpClient *http.Client, logger *logrus.Logger) types.Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &HomeserverClient{
		homeserverURL: strings.TrimSuffix(homeserverURL, "/"),
		accessToken:   accessToken,
		userID:        userID,
		client:        httpClient,
		logger:        logger,
	}
}

func (c *HomeserverClient) SendMessage(ctx context.Context, roomID, body string) (*types.SendResponse, error) {
	content := types.EventContent{
		MsgType: msgTypeText,
		Body:    body,
	}

	// Fresh transaction id per call. The ledger owns cross-attempt
	// idempotency, so retries are distinct sends from the homeserver's
	// point of view.
	txnID := uuid.NewString()
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		c.homeserverURL, url.PathEscape(roomID), url.PathEscape(txnID))

	var result types.SendResponse
	if err := c.doJSON(ctx, http.MethodPut, endpoint, content, &result); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	if result.EventID == "" {
		return nil, fmt.Errorf("homeserver returned no event id")
	}

	return &result, nil
}

func (c *HomeserverClient) ResolveAlias(ctx context.Context, alias string) (string, error) {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/directory/room/%s",
		c.homeserverURL, url.PathEscape(alias))

	var result types.ResolveAliasResponse
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &result)
	if err != nil {
		if hasErrCode(err, types.ErrCodeNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve alias %s: %w", alias, err)
	}

	return result.RoomID, nil
}

func (c *HomeserverClient) CreateRoom(ctx context.Context, aliasLocalpart, name string) (string, error) {
	payload := types.CreateRoomRequest{
		RoomAliasName: aliasLocalpart,
		Name:          name,
		Preset:        "private_chat",
	}
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/createRoom", c.homeserverURL)

	var result types.CreateRoomResponse
	err := c.doJSON(ctx, http.MethodPost, endpoint, payload, &result)
	if err != nil {
		if hasErrCode(err, types.ErrCodeRoomInUse) {
			return "", types.ErrAliasInUse
		}
		return "", fmt.Errorf("failed to create room: %w", err)
	}

	return result.RoomID, nil
}

// syncResponse is the subset of /sync the bridge reads.
type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []types.Event `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

func (c *HomeserverClient) ReceiveMessages(ctx context.Context, timeoutSec int) ([]types.Event, error) {
	c.mu.Lock()
	since := c.nextBatch
	c.mu.Unlock()

	params := url.Values{}
	params.Set("timeout", fmt.Sprintf("%d", timeoutSec*1000))
	if since != "" {
		params.Set("since", since)
	} else {
		// First sync: skip history, only follow from here on.
		params.Set("filter", `{"room":{"timeline":{"limit":1}}}`)
	}
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/sync?%s", c.homeserverURL, params.Encode())

	var result syncResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, fmt.Errorf("sync failed: %w", err)
	}

	firstSync := since == ""
	c.mu.Lock()
	c.nextBatch = result.NextBatch
	c.mu.Unlock()

	if firstSync {
		// Events in the initial sync predate the bridge; drop them.
		return nil, nil
	}

	var events []types.Event
	for roomID, room := range result.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" || ev.Content.MsgType != msgTypeText {
				continue
			}
			if ev.Sender == c.userID {
				continue
			}
			ev.RoomID = roomID
			events = append(events, ev)
		}
	}

	return events, nil
}

// apiError carries the Matrix error envelope through the error chain.
type apiError struct {
	statusCode int
	errCode    string
	message    string
}

func (e *apiError) Error() string {
	if e.errCode != "" {
		return fmt.Sprintf("matrix API error %d (%s): %s", e.statusCode, e.errCode, e.message)
	}
	return fmt.Sprintf("matrix API error %d: %s", e.statusCode, e.message)
}

func hasErrCode(err error, errCode string) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.errCode == errCode
}

func (c *HomeserverClient) doJSON(ctx context.Context, method, endpoint string, payload, result interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return &apiError{statusCode: resp.StatusCode}
		}
		var envelope types.APIError
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.ErrCode != "" {
			return &apiError{statusCode: resp.StatusCode, errCode: envelope.ErrCode, message: envelope.Err}
		}
		return &apiError{statusCode: resp.StatusCode, message: strings.TrimSpace(string(body))}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
