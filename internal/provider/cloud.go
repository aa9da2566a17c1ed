package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Graph error codes that signal throttling and clear up on retry
var cloudTransientCodes = map[int]bool{
	4:      true, // application request limit
	80007:  true, // WABA rate limit
	130429: true, // throughput reached
	131048: true, // spam rate limit
	131056: true, // pair rate limit
}

// CloudConfig configures a CloudClient
type CloudConfig struct {
	BaseURL       string // e.g. https://graph.facebook.com
	APIVersion    string // e.g. v21.0
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

// CloudClient talks to the official cloud messaging API
type CloudClient struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewCloudClient creates a client bound to one phone number
func NewCloudClient(cfg CloudConfig) *CloudClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	return &CloudClient{
		url:   base + "/" + cfg.APIVersion + "/" + cfg.PhoneNumberID + "/messages",
		token: cfg.AccessToken,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type cloudText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudComponent struct {
	Type       string           `json:"type"`
	Parameters []cloudParameter `json:"parameters"`
}

type cloudLanguage struct {
	Code string `json:"code"`
}

type cloudTemplate struct {
	Name       string           `json:"name"`
	Language   cloudLanguage    `json:"language"`
	Components []cloudComponent `json:"components,omitempty"`
}

type cloudRequest struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *cloudText     `json:"text,omitempty"`
	Template         *cloudTemplate `json:"template,omitempty"`
}

type cloudResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type cloudErrorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// SendText sends a free-form text message
func (c *CloudClient) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, &cloudRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               normalizePhone(to),
		Type:             "text",
		Text:             &cloudText{Body: body},
	})
}

// SendTemplate sends a pre-approved template with body parameters
func (c *CloudClient) SendTemplate(ctx context.Context, to string, tmpl TemplateMessage) (string, error) {
	t := &cloudTemplate{
		Name:     tmpl.Name,
		Language: cloudLanguage{Code: tmpl.Language},
	}
	if len(tmpl.Variables) > 0 {
		params := make([]cloudParameter, 0, len(tmpl.Variables))
		for _, v := range tmpl.Variables {
			params = append(params, cloudParameter{Type: "text", Text: v})
		}
		t.Components = []cloudComponent{{Type: "body", Parameters: params}}
	}

	return c.send(ctx, &cloudRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               normalizePhone(to),
		Type:             "template",
		Template:         t,
	})
}

func (c *CloudClient) send(ctx context.Context, req *cloudRequest) (string, error) {
	headers := map[string]string{"Authorization": "Bearer " + c.token}

	var resp cloudResponse
	if err := postJSON(ctx, c.httpClient, c.url, headers, req, &resp, decodeCloudError); err != nil {
		return "", err
	}

	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", &ProviderError{StatusCode: http.StatusOK, Message: "response has no message id"}
	}
	return resp.Messages[0].ID, nil
}

func decodeCloudError(statusCode int, body []byte) *ProviderError {
	pe := &ProviderError{StatusCode: statusCode, Transient: transientStatus(statusCode)}

	var errResp cloudErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		pe.Message = truncate(body, 200)
		return pe
	}

	pe.Message = errResp.Error.Message
	if errResp.Error.Code != 0 {
		pe.Code = strconv.Itoa(errResp.Error.Code)
		if cloudTransientCodes[errResp.Error.Code] {
			pe.Transient = true
		}
	}
	return pe
}
