package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// defaultAPIBase is the agent provider's REST endpoint.
const defaultAPIBase = "https://api.elevenlabs.io"

// openTimeout bounds signed-URL retrieval plus the socket dial. The signed
// URL expires within seconds, so both happen in one window.
const openTimeout = 5 * time.Second

// Client implements Opener against the provider's REST + WebSocket API.
type Client struct {
	apiKey     string
	apiBase    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates an agent provider client. apiBase may be empty to use
// the production endpoint.
func NewClient(apiKey, apiBase string) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Client{
		apiKey:     apiKey,
		apiBase:    strings.TrimSuffix(apiBase, "/"),
		httpClient: &http.Client{Timeout: openTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: openTimeout},
	}
}

type signedURLResponse struct {
	SignedURL      string `json:"signed_url"`
	ConversationID string `json:"conversation_id"`
}

// OpenSession requests a short-lived signed URL, connects to it, and sends
// the conversation initiation payload carrying the prompt and first message.
func (c *Client) OpenSession(ctx context.Context, prompt, firstMessage string, dynamicVars map[string]string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	signed, err := c.signedURL(ctx)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, signed.SignedURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dialing agent session: %w", err)
	}

	sess := newSession(conn, signed.ConversationID)

	init := map[string]any{
		"type": "conversation_initiation_client_data",
		"conversation_config_override": map[string]any{
			"agent": map[string]any{
				"prompt":        map[string]string{"prompt": prompt},
				"first_message": firstMessage,
			},
		},
	}
	if len(dynamicVars) > 0 {
		init["dynamic_variables"] = dynamicVars
	}
	if err := sess.sendJSON(init); err != nil {
		sess.Close()
		return nil, fmt.Errorf("sending conversation init: %w", err)
	}

	return sess, nil
}

// signedURL fetches a one-shot signed session URL from the provider.
func (c *Client) signedURL(ctx context.Context) (*signedURLResponse, error) {
	endpoint := c.apiBase + "/v1/convai/conversation/get_signed_url"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting signed url: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading signed url response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent provider error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var signed signedURLResponse
	if err := json.Unmarshal(body, &signed); err != nil {
		return nil, fmt.Errorf("parsing signed url response: %w", err)
	}
	if signed.SignedURL == "" {
		return nil, fmt.Errorf("agent provider returned empty signed url")
	}
	if _, err := url.Parse(signed.SignedURL); err != nil {
		return nil, fmt.Errorf("agent provider returned bad signed url: %w", err)
	}
	return &signed, nil
}
