// Package api is a client for the REST side of the chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/settings"
	"github.com/rs/zerolog/log"
)

// DefaultMaxResponseSize bounds the response bodies read by the client.
const DefaultMaxResponseSize int64 = 32 << 20

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// MaxResponseSize bounds response bodies, 0 means DefaultMaxResponseSize.
	MaxResponseSize int64
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: settings.DefaultRequestTimeout}
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: httpClient,
	}
}

func NewClientFromSettings(s *settings.Settings) *Client {
	return NewClient(s.APIURL, &http.Client{Timeout: s.RequestTimeout})
}

// do sends a JSON request and decodes the JSON response into out, if out is
// not nil. Every failure is returned as a request error.
func (c *Client) do(ctx context.Context, method string, path string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return chaterrors.Wrapf(err, chaterrors.KindRequest, "could not encode %s %s", method, path)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return chaterrors.Wrapf(err, chaterrors.KindRequest, "could not create %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return chaterrors.Wrapf(err, chaterrors.KindRequest, "%s %s failed", method, path)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	limit := c.maxResponseSize()
	respBody, err := readBodyLimited(resp.Body, limit)
	if err != nil {
		return chaterrors.Wrapf(err, chaterrors.KindRequest, "could not read response of %s %s", method, path)
	}
	truncated := int64(len(respBody)) > limit
	if truncated {
		respBody = respBody[:limit]
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(resp.StatusCode, respBody)
	}
	if truncated {
		return chaterrors.Newf(chaterrors.KindRequest, "response of %s %s exceeds %d bytes", method, path, limit)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return chaterrors.Wrapf(err, chaterrors.KindRequest, "could not decode response of %s %s", method, path)
	}
	return nil
}

func (c *Client) maxResponseSize() int64 {
	if c.MaxResponseSize <= 0 {
		return DefaultMaxResponseSize
	}
	return c.MaxResponseSize
}

// readBodyLimited reads at most maxBytes+1 bytes of r, one more than allowed
// so that an oversized body can be told apart.
func readBodyLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes+1))
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

// newStatusError uses the backend detail as message when there is one.
func newStatusError(status int, body []byte) error {
	var e errorBody
	if err := json.Unmarshal(body, &e); err == nil {
		switch d := e.Detail.(type) {
		case string:
			if d != "" {
				return chaterrors.New(chaterrors.KindRequest, d)
			}
		case []interface{}:
			var msgs []string
			for _, item := range d {
				if m, ok := item.(map[string]interface{}); ok {
					if msg, ok := m["msg"].(string); ok {
						msgs = append(msgs, msg)
					}
				}
			}
			if len(msgs) > 0 {
				return chaterrors.New(chaterrors.KindRequest, strings.Join(msgs, "; "))
			}
		}
	}
	return chaterrors.Newf(chaterrors.KindRequest, "HTTP error! status: %d", status)
}

func conversationPath(id conversation.ConversationID) string {
	return "/conversations/" + url.PathEscape(id.String())
}

// CreateConversation creates a conversation. An empty title is replaced by "New Conversation".
func (c *Client) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	if title == "" {
		title = "New Conversation"
	}
	var ret Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/", CreateConversationRequest{Title: title}, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]*Conversation, error) {
	ret := []*Conversation{}
	if err := c.do(ctx, http.MethodGet, "/conversations/", nil, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) GetConversation(ctx context.Context, id conversation.ConversationID) (*Conversation, error) {
	var ret Conversation
	if err := c.do(ctx, http.MethodGet, conversationPath(id), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id conversation.ConversationID) error {
	return c.do(ctx, http.MethodDelete, conversationPath(id), nil, nil)
}

// RenameConversation sets the title of a conversation. Backends that reply
// with a status message instead of the conversation get the id and the new
// title echoed back.
func (c *Client) RenameConversation(ctx context.Context, id conversation.ConversationID, title string) (*Conversation, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPut, conversationPath(id)+"/title", RenameConversationRequest{Title: title}, &raw); err != nil {
		return nil, err
	}

	var ret Conversation
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ret); err != nil {
			var m messageBody
			if err2 := json.Unmarshal(raw, &m); err2 != nil {
				return nil, chaterrors.Wrap(err, chaterrors.KindRequest, "could not decode rename response")
			}
		}
	}
	if ret.ID == "" {
		ret.ID = id
	}
	if ret.Title == "" {
		ret.Title = title
	}
	return &ret, nil
}

func (c *Client) GetTree(ctx context.Context, id conversation.ConversationID) (*conversation.Snapshot, error) {
	var ret conversation.Snapshot
	if err := c.do(ctx, http.MethodGet, conversationPath(id)+"/tree", nil, &ret); err != nil {
		return nil, err
	}
	if ret.ConversationID == "" {
		ret.ConversationID = id
	}
	return &ret, nil
}

// Send posts a message through the request/response path. The reply
// carries the stored user message and the complete assistant message.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if req.ConversationID == "" {
		return nil, chaterrors.New(chaterrors.KindRequest, "conversation id is required")
	}
	var ret SendResponse
	if err := c.do(ctx, http.MethodPost, "/chat/send", req, &ret); err != nil {
		return nil, err
	}
	if ret.AssistantMessage == nil {
		return nil, chaterrors.New(chaterrors.KindRequest, "response carries no assistant message")
	}
	return &ret, nil
}

// History returns the messages from the root down to fromMessageID, or all
// messages in creation order when fromMessageID is empty.
func (c *Client) History(ctx context.Context, id conversation.ConversationID, fromMessageID conversation.NodeID) (*History, error) {
	path := "/chat/history/" + url.PathEscape(id.String())
	if fromMessageID != conversation.NullNode {
		q := url.Values{}
		q.Set("from_message_id", fromMessageID.String())
		path += "?" + q.Encode()
	}
	var ret History
	if err := c.do(ctx, http.MethodGet, path, nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// Regenerate asks the backend for a new reply in place of the assistant
// message messageID. The message keeps its id.
func (c *Client) Regenerate(ctx context.Context, messageID conversation.NodeID) (*conversation.Message, error) {
	if messageID == conversation.NullNode {
		return nil, chaterrors.New(chaterrors.KindRequest, "message id is required")
	}
	var ret conversation.Message
	path := fmt.Sprintf("/chat/regenerate/%s", url.PathEscape(messageID.String()))
	if err := c.do(ctx, http.MethodPost, path, nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}
