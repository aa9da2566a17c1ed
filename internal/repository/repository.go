// Package repository holds the SQL access layer. Queries are written with '?'
// placeholders and rebound for the active driver.
package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repositories bundles every repository over one database handle
type Repositories struct {
	Campaigns     *CampaignRepository
	Messages      *MessageRepository
	Contacts      *ContactRepository
	Conversations *ConversationRepository
	Connections   *ConnectionRepository
}

// New creates all repositories
func New(db *sqlx.DB) *Repositories {
	return &Repositories{
		Campaigns:     NewCampaignRepository(db),
		Messages:      NewMessageRepository(db),
		Contacts:      NewContactRepository(db),
		Conversations: NewConversationRepository(db),
		Connections:   NewConnectionRepository(db),
	}
}

// now returns the current time in UTC so stored timestamps compare consistently
func now() time.Time {
	return time.Now().UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// scanner is satisfied by *sql.Row, *sql.Rows and their sqlx counterparts
type scanner interface {
	Scan(dest ...any) error
}
