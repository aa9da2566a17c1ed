package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// InstanceConfig configures an InstanceClient
type InstanceConfig struct {
	BaseURL      string
	InstanceName string
	APIKey       string
	Timeout      time.Duration
}

// InstanceClient talks to a self-hosted instance gateway paired with a device
type InstanceClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewInstanceClient creates a client for one paired instance
func NewInstanceClient(cfg InstanceConfig) *InstanceClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	return &InstanceClient{
		url:    base + "/message/sendText/" + url.PathEscape(cfg.InstanceName),
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type instanceRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type instanceResponse struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

type instanceErrorResponse struct {
	Status   int    `json:"status"`
	Error    string `json:"error"`
	Message  any    `json:"message"`
	Response struct {
		Message any `json:"message"`
	} `json:"response"`
}

// SendText sends a text message through the paired device
func (c *InstanceClient) SendText(ctx context.Context, to, body string) (string, error) {
	req := &instanceRequest{Number: normalizePhone(to), Text: body}
	headers := map[string]string{"apikey": c.apiKey}

	var resp instanceResponse
	if err := postJSON(ctx, c.httpClient, c.url, headers, req, &resp, decodeInstanceError); err != nil {
		return "", err
	}

	if resp.Key.ID == "" {
		return "", &ProviderError{StatusCode: http.StatusOK, Message: "response has no message id"}
	}
	return resp.Key.ID, nil
}

// SendTemplate sends the rendered template text. Instance gateways have no
// template registry, so the send always goes through the text endpoint.
func (c *InstanceClient) SendTemplate(ctx context.Context, to string, tmpl TemplateMessage) (string, error) {
	text := tmpl.Text
	if text == "" {
		text = strings.Join(tmpl.Variables, " ")
	}
	if text == "" {
		return "", &ProviderError{Message: fmt.Sprintf("template %q has no text for instance delivery", tmpl.Name)}
	}
	return c.SendText(ctx, to, text)
}

func decodeInstanceError(statusCode int, body []byte) *ProviderError {
	pe := &ProviderError{StatusCode: statusCode, Transient: transientStatus(statusCode)}

	var errResp instanceErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		pe.Message = truncate(body, 200)
		return pe
	}

	switch {
	case errResp.Response.Message != nil:
		pe.Message = flattenMessage(errResp.Response.Message)
	case errResp.Message != nil:
		pe.Message = flattenMessage(errResp.Message)
	case errResp.Error != "":
		pe.Message = errResp.Error
	default:
		pe.Message = truncate(body, 200)
	}
	return pe
}

// flattenMessage renders string or list error messages
func flattenMessage(v any) string {
	switch m := v.(type) {
	case string:
		return m
	case []any:
		parts := make([]string, 0, len(m))
		for _, p := range m {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "; ")
	default:
		data, _ := json.Marshal(m)
		return string(data)
	}
}
