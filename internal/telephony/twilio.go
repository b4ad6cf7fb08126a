package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// defaultAPIBase is the Twilio-compatible REST endpoint.
const defaultAPIBase = "https://api.twilio.com/2010-04-01"

// dialTimeout bounds the carrier REST round trip for a dial attempt.
const dialTimeout = 15 * time.Second

// Client is a Dialer backed by a Twilio-compatible REST API.
type Client struct {
	accountSID string
	authToken  string
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a carrier REST client. apiBase may be empty to use the
// production endpoint; tests point it at a local server.
func NewClient(accountSID, authToken, apiBase string) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		apiBase:    strings.TrimSuffix(apiBase, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// callResponse is the subset of the carrier's call resource we read back.
type callResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// apiError is the carrier's error body.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Dial places an outbound call whose media is connected to the given stream
// URL. Custom parameters are embedded in the TwiML so the carrier echoes
// them back on the media stream start frame.
func (c *Client) Dial(ctx context.Context, to, from, region string, opts DialOptions) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Twiml", streamTwiML(opts.MediaStreamURL, opts.CustomParameters))

	if opts.StatusCallback != "" {
		form.Set("StatusCallback", opts.StatusCallback)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
		form.Set("StatusCallbackMethod", "POST")
	}
	if opts.Recording {
		form.Set("Record", "true")
		if opts.RecordingCallback != "" {
			form.Set("RecordingStatusCallback", opts.RecordingCallback)
		}
	}
	if opts.MachineDetection.Enabled {
		form.Set("MachineDetection", "Enable")
		if opts.MachineDetection.TimeoutMs > 0 {
			form.Set("MachineDetectionTimeout", strconv.Itoa(opts.MachineDetection.TimeoutMs/1000))
		}
	}
	timeout := opts.TimeoutSec
	if timeout <= 0 {
		timeout = 30
	}
	form.Set("Timeout", strconv.Itoa(timeout))

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.apiBase, c.accountSID)
	body, status, err := c.postForm(ctx, endpoint, form, region)
	if err != nil {
		return "", fmt.Errorf("carrier dial request: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", carrierError(status, body)
	}

	var resp callResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing dial response: %w", err)
	}
	if resp.SID == "" {
		return "", fmt.Errorf("carrier returned no call sid")
	}
	return resp.SID, nil
}

// Hangup ends a call by setting its status to completed. An unknown SID or
// a call that already ended is treated as success.
func (c *Client) Hangup(ctx context.Context, callSID, reason string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.apiBase, c.accountSID, callSID)
	body, status, err := c.postForm(ctx, endpoint, form, "")
	if err != nil {
		return fmt.Errorf("carrier hangup request: %w", err)
	}

	switch {
	case status == http.StatusOK || status == http.StatusNoContent:
		return nil
	case status == http.StatusNotFound:
		slog.Warn("hangup for unknown call sid", "call_sid", callSID, "reason", reason)
		return nil
	default:
		var apiErr apiError
		// Code 21220: call is not in progress. Hanging up twice is a no-op.
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code == 21220 {
			return nil
		}
		return carrierError(status, body)
	}
}

// RecordingMedia downloads the audio for a recording. The carrier serves
// MP3 by default and WAV when requested with a .wav suffix.
func (c *Client) RecordingMedia(ctx context.Context, recordingSID string) ([]byte, string, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Recordings/%s.mp3", c.apiBase, c.accountSID, recordingSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating recording request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", carrierError(resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading recording body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return data, contentType, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, region string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)
	if region != "" {
		req.Header.Set("X-Carrier-Region", region)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func carrierError(status int, body []byte) error {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("carrier error %d (code %d): %s", status, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("carrier error %d", status)
}

// streamTwiML renders the instruction document that connects the call's
// media to our WebSocket endpoint, with custom parameters echoed back on
// the stream's start frame.
func streamTwiML(streamURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect>`)
	fmt.Fprintf(&b, `<Stream url="%s">`, xmlEscape(streamURL))

	// Deterministic order keeps the document stable for tests.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, `<Parameter name="%s" value="%s"/>`, xmlEscape(k), xmlEscape(params[k]))
	}

	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
