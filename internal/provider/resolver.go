package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foxzi/zapcast/internal/models"
)

// ConnectionStore lists the connections a tenant may send with
type ConnectionStore interface {
	ListUsable(ctx context.Context, tenantID string, connType models.ConnectionType) ([]*models.ApiConnection, error)
}

// Defaults applied to connections that leave fields empty
type Defaults struct {
	CloudBaseURL    string
	CloudAPIVersion string
	CloudTimeout    time.Duration
	InstanceBaseURL string
	InstanceTimeout time.Duration
}

type cachedClient struct {
	client    Client
	updatedAt time.Time
}

// Resolver picks the active connection of a tenant and builds its client.
// Clients are cached per connection and rebuilt when the row changes.
type Resolver struct {
	store    ConnectionStore
	defaults Defaults

	mu      sync.RWMutex
	clients map[string]cachedClient
}

// NewResolver creates a resolver
func NewResolver(store ConnectionStore, defaults Defaults) *Resolver {
	return &Resolver{
		store:    store,
		defaults: defaults,
		clients:  make(map[string]cachedClient),
	}
}

// Resolve returns a client for the newest usable connection of the tenant.
// An empty preferredType accepts any type.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, preferredType models.ConnectionType) (Client, *models.ApiConnection, error) {
	conns, err := r.store.ListUsable(ctx, tenantID, preferredType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list connections: %w", err)
	}

	// ListUsable orders newest first
	for _, conn := range conns {
		if !conn.Usable() {
			continue
		}
		client, err := r.ClientFor(conn)
		if err != nil {
			return nil, nil, err
		}
		return client, conn, nil
	}

	if preferredType != "" {
		return nil, nil, fmt.Errorf("%w: tenant %s, type %s", ErrNotFound, tenantID, preferredType)
	}
	return nil, nil, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
}

// ClientFor returns the cached client of conn, building it if needed
func (r *Resolver) ClientFor(conn *models.ApiConnection) (Client, error) {
	r.mu.RLock()
	cached, ok := r.clients[conn.ID]
	r.mu.RUnlock()
	if ok && cached.updatedAt.Equal(conn.UpdatedAt) {
		return cached.client, nil
	}

	client, err := r.build(conn)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.clients[conn.ID] = cachedClient{client: client, updatedAt: conn.UpdatedAt}
	r.mu.Unlock()

	return client, nil
}

// Forget drops the cached client of a connection
func (r *Resolver) Forget(connectionID string) {
	r.mu.Lock()
	delete(r.clients, connectionID)
	r.mu.Unlock()
}

func (r *Resolver) build(conn *models.ApiConnection) (Client, error) {
	switch conn.Type {
	case models.ConnectionCloudOfficial:
		if conn.PhoneNumberID == "" {
			return nil, fmt.Errorf("%w %s: phone_number_id is required", ErrInvalidConnection, conn.ID)
		}
		base := conn.BaseURL
		if base == "" {
			base = r.defaults.CloudBaseURL
		}
		return NewCloudClient(CloudConfig{
			BaseURL:       base,
			APIVersion:    r.defaults.CloudAPIVersion,
			PhoneNumberID: conn.PhoneNumberID,
			AccessToken:   conn.APIKey,
			Timeout:       r.defaults.CloudTimeout,
		}), nil

	case models.ConnectionUnofficialInstance:
		base := conn.BaseURL
		if base == "" {
			base = r.defaults.InstanceBaseURL
		}
		if base == "" || conn.InstanceName == "" {
			return nil, fmt.Errorf("%w %s: base_url and instance_name are required", ErrInvalidConnection, conn.ID)
		}
		return NewInstanceClient(InstanceConfig{
			BaseURL:      base,
			InstanceName: conn.InstanceName,
			APIKey:       conn.APIKey,
			Timeout:      r.defaults.InstanceTimeout,
		}), nil
	}

	return nil, fmt.Errorf("%w %s: unsupported type %q", ErrInvalidConnection, conn.ID, conn.Type)
}
