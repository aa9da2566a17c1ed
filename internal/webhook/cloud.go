package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/zapcast/internal/models"
	"github.com/foxzi/zapcast/internal/tracker"
)

type cloudPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string     `json:"field"`
			Value cloudValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []struct {
		From      string `json:"from"`
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
		Button struct {
			Text string `json:"text"`
		} `json:"button"`
	} `json:"messages"`
	Statuses []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Errors    []struct {
			Code    int    `json:"code"`
			Title   string `json:"title"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"statuses"`
}

// verifySignature checks X-Hub-Signature-256, the hex HMAC-SHA256 of the body
func verifySignature(secret string, body []byte, header string) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errUnauthorized
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return errUnauthorized
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errUnauthorized
	}
	return nil
}

func parseCloud(body []byte) (*Event, error) {
	var p cloudPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode cloud payload: %w", err)
	}

	event := &Event{}
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			v := change.Value

			for _, s := range v.Statuses {
				status, ok := cloudStatus(s.Status)
				if !ok {
					continue
				}
				u := tracker.Update{
					ProviderMessageID: s.ID,
					Status:            status,
					Timestamp:         unixTime(s.Timestamp),
				}
				if len(s.Errors) > 0 {
					e := s.Errors[0]
					u.Error = fmt.Sprintf("%s (code %d)", firstNonEmpty(e.Message, e.Title), e.Code)
				}
				event.Statuses = append(event.Statuses, u)
			}

			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				text := m.Text.Body
				if m.Type == "button" {
					text = m.Button.Text
				}
				event.Inbound = append(event.Inbound, Inbound{
					Phone:     m.From,
					Name:      names[m.From],
					Text:      text,
					Timestamp: unixTime(m.Timestamp),
				})
			}
		}
	}
	return event, nil
}

func cloudStatus(s string) (models.MessageStatus, bool) {
	switch s {
	case "sent":
		return models.MessageSent, true
	case "delivered":
		return models.MessageDelivered, true
	case "read":
		return models.MessageRead, true
	case "failed":
		return models.MessageFailed, true
	}
	return "", false
}

// unixTime parses a seconds timestamp; zero on failure
func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
