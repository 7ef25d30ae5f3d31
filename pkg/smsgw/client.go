package smsgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"smsbridge/pkg/smsgw/types"

	"github.com/sirupsen/logrus"
)

// GatewayClient talks to the SMS gateway's REST API.
type GatewayClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *logrus.Logger
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) types.Client {
	return NewClientWithLogger(baseURL, apiKey, httpClient, nil)
}

func NewClientWithLogger(baseURL, apiKey string, httpClient *http.Client, logger *logrus.Logger) types.Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &GatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpClient,
		logger:  logger,
	}
}

func (c *GatewayClient) SendText(ctx context.Context, recipients []string, body string) (*types.SendTextResponse, error) {
	payload := types.SendTextRequest{
		Recipients: recipients,
		Body:       body,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/messages", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.decodeError(resp, "send text")
	}

	var result types.SendTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.MessageID == "" {
		return nil, fmt.Errorf("gateway returned no message id (status %q)", result.Status)
	}

	c.logger.WithFields(logrus.Fields{
		"messageId":  result.MessageID,
		"recipients": len(recipients),
	}).Debug("Sent text via gateway")

	return &result, nil
}

func (c *GatewayClient) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	endpoint := fmt.Sprintf("%s/v1/messages/%s", c.baseURL, url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp, "get message")
	}

	var msg types.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	return &msg, nil
}

func (c *GatewayClient) ListRecentMessages(ctx context.Context, kind types.MessageKind, since time.Time) ([]types.Message, error) {
	endpoint := fmt.Sprintf("%s/v1/messages?kind=%s&since=%s",
		c.baseURL,
		url.QueryEscape(string(kind)),
		strconv.FormatInt(since.UnixMilli(), 10),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp, "list messages")
	}

	var result types.ListMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode message list: %w", err)
	}

	return result.Messages, nil
}

func (c *GatewayClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func (c *GatewayClient) decodeError(resp *http.Response, operation string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("%s failed with status %d", operation, resp.StatusCode)
	}

	var gwErr types.ErrorResponse
	if err := json.Unmarshal(body, &gwErr); err == nil && gwErr.Error != "" {
		return fmt.Errorf("%s failed with status %d: %s", operation, resp.StatusCode, gwErr.Error)
	}
	return fmt.Errorf("%s failed with status %d: %s", operation, resp.StatusCode, strings.TrimSpace(string(body)))
}
