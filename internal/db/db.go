package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlx.DB and remembers which driver it talks to
type DB struct {
	*sqlx.DB
	Driver string
}

// Open opens the relational store. For sqlite3 the dsn is a file path.
func Open(driver, dsn string, maxOpenConns int) (*DB, error) {
	switch driver {
	case "sqlite3":
		return openSQLite(dsn)
	case "postgres":
		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if maxOpenConns > 0 {
			db.SetMaxOpenConns(maxOpenConns)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &DB{DB: db, Driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func openSQLite(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{DB: db, Driver: "sqlite3"}, nil
}

// Migrate creates the schema. Statements are portable between sqlite3 and postgres.
func (db *DB) Migrate() error {
	migrations := []string{
		migrationContacts,
		migrationConversations,
		migrationConnections,
		migrationCampaigns,
		migrationCampaignMessages,
	}
	migrations = append(migrations, indexes...)

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Tables returns the names of the tables managed by Migrate
func Tables() []string {
	return []string{"contacts", "conversations", "api_connections", "campaigns", "campaign_messages"}
}

// IsUniqueViolation reports whether err is a unique constraint violation on either driver
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    contact_group TEXT NOT NULL DEFAULT '',
    opt_in_status TEXT NOT NULL DEFAULT 'unknown',
    opted_in_at TIMESTAMP,
    opted_out_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(tenant_id, phone)
);
`

const migrationConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    tenant_id TEXT NOT NULL,
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    phone TEXT NOT NULL,
    last_inbound_at TIMESTAMP,
    session_expires_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tenant_id, contact_id)
);
`

const migrationConnections = `
CREATE TABLE IF NOT EXISTS api_connections (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    base_url TEXT NOT NULL DEFAULT '',
    phone_number_id TEXT NOT NULL DEFAULT '',
    instance_name TEXT NOT NULL DEFAULT '',
    api_key TEXT NOT NULL DEFAULT '',
    webhook_secret TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT 'freeform_text',
    template_name TEXT NOT NULL DEFAULT '',
    template_language TEXT NOT NULL DEFAULT '',
    template_params TEXT NOT NULL DEFAULT '[]',
    connection_type TEXT NOT NULL DEFAULT '',
    contact_group TEXT NOT NULL DEFAULT '',
    contact_ids TEXT NOT NULL DEFAULT '[]',
    delay_seconds INTEGER NOT NULL DEFAULT 5,
    status TEXT NOT NULL DEFAULT 'draft',
    error_message TEXT NOT NULL DEFAULT '',
    scheduled_at TIMESTAMP,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationCampaignMessages = `
CREATE TABLE IF NOT EXISTS campaign_messages (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    tenant_id TEXT NOT NULL,
    contact_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    contact_group TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    provider_message_id TEXT,
    error_message TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    sent_at TIMESTAMP,
    delivered_at TIMESTAMP,
    read_at TIMESTAMP,
    failed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(campaign_id, contact_id)
);
`

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_contacts_tenant_group ON contacts(tenant_id, contact_group)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_tenant_type ON api_connections(tenant_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_tenant_status ON campaigns(tenant_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_messages_campaign_status ON campaign_messages(campaign_id, status, position)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_messages_provider_id ON campaign_messages(provider_message_id)`,
}
