package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/foxzi/zapcast/internal/models"
	"github.com/foxzi/zapcast/internal/tracker"
)

type instanceEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type instanceKey struct {
	ID        string `json:"id"`
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

type instanceData struct {
	Key       instanceKey     `json:"key"`
	KeyID     string          `json:"keyId"`
	RemoteJid string          `json:"remoteJid"`
	FromMe    bool            `json:"fromMe"`
	Status    json.RawMessage `json:"status"`
	PushName  string          `json:"pushName"`
	State     string          `json:"state"`
	Message   struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ButtonsResponseMessage struct {
			SelectedDisplayText string `json:"selectedDisplayText"`
		} `json:"buttonsResponseMessage"`
	} `json:"message"`
	MessageTimestamp json.RawMessage `json:"messageTimestamp"`
}

// ack levels of the numeric status form
var instanceAcks = map[int]string{
	0: "ERROR",
	1: "PENDING",
	2: "SERVER_ACK",
	3: "DELIVERY_ACK",
	4: "READ",
	5: "PLAYED",
}

// session states reported by connection.update; "connecting" is transient
var instanceConnectionStates = map[string]string{
	"open":  models.ConnectionStatusActive,
	"close": models.ConnectionStatusDisconnected,
}

func parseInstance(body []byte) (*Event, error) {
	var env instanceEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode instance payload: %w", err)
	}

	items, err := instanceItems(env.Data)
	if err != nil {
		return nil, err
	}

	event := &Event{}
	switch strings.ToLower(strings.ReplaceAll(env.Event, "_", ".")) {
	case "messages.update":
		for _, d := range items {
			status, ok := instanceStatus(d.Status)
			if !ok {
				continue
			}
			id := firstNonEmpty(d.KeyID, d.Key.ID)
			if id == "" {
				continue
			}
			u := tracker.Update{ProviderMessageID: id, Status: status}
			if status == models.MessageFailed {
				u.Error = "delivery failed"
			}
			event.Statuses = append(event.Statuses, u)
		}
	case "connection.update":
		for _, d := range items {
			if status, ok := instanceConnectionStates[strings.ToLower(d.State)]; ok {
				event.ConnectionStatus = status
			}
		}
	case "messages.upsert":
		for _, d := range items {
			jid := firstNonEmpty(d.Key.RemoteJid, d.RemoteJid)
			if d.Key.FromMe || d.FromMe || !strings.HasSuffix(jid, "@s.whatsapp.net") {
				continue // own echoes and group chats
			}
			event.Inbound = append(event.Inbound, Inbound{
				Phone: strings.TrimSuffix(jid, "@s.whatsapp.net"),
				Name:  d.PushName,
				Text: firstNonEmpty(d.Message.Conversation, d.Message.ExtendedTextMessage.Text,
					d.Message.ButtonsResponseMessage.SelectedDisplayText),
				Timestamp: unixTime(strings.Trim(string(d.MessageTimestamp), `"`)),
			})
		}
	}
	return event, nil
}

// instanceItems accepts data as a single object or an array
func instanceItems(raw json.RawMessage) ([]instanceData, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var items []instanceData
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("failed to decode instance data: %w", err)
		}
		return items, nil
	}
	var item instanceData
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode instance data: %w", err)
	}
	return []instanceData{item}, nil
}

func instanceStatus(raw json.RawMessage) (models.MessageStatus, bool) {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	if n, err := strconv.Atoi(s); err == nil {
		s = instanceAcks[n]
	}

	switch strings.ToUpper(s) {
	case "SERVER_ACK":
		return models.MessageSent, true
	case "DELIVERY_ACK":
		return models.MessageDelivered, true
	case "READ", "PLAYED":
		return models.MessageRead, true
	case "ERROR", "FAILED":
		return models.MessageFailed, true
	}
	return "", false
}
