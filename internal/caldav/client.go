// Package caldav implements the provider capability consumed by the sync
// engines: a connected client that can list calendars and list, create,
// update and delete events given a remote identifier. Basic-auth CalDAV
// servers and the Google Calendar CalDAV variant are both supported; the
// auth kind is dispatched through one Connect call.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/models"
)

// RemoteCalendar is one calendar collection as listed by the server.
type RemoteCalendar struct {
	RemoteID string
	Name     string
	CTag     string
}

// RemoteObject is one event resource as listed by the server.
type RemoteObject struct {
	RemoteID string
	ETag     string
	Data     string
}

// Connection is a live, authenticated session against one account's server.
type Connection interface {
	ListCalendars(ctx context.Context) ([]RemoteCalendar, error)
	ListEvents(ctx context.Context, calendarRemoteID string) ([]RemoteObject, error)
	CreateEvent(ctx context.Context, calendarRemoteID, doc string) (remoteID, etag string, err error)
	UpdateEvent(ctx context.Context, remoteID, etag, doc string) (newETag string, err error)
	DeleteEvent(ctx context.Context, remoteID, etag string) error
}

// TokenObserver is invoked whenever the transport mints a fresh token pair,
// so the caller can persist it immediately.
type TokenObserver func(accountID string, pair models.TokenPair)

// Dialer establishes connections per account. It is the injection point for
// tests: engines depend on Connector, never on concrete clients.
type Dialer struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	OnRefresh  TokenObserver
}

// Connector hides the concrete dialer from the connection manager.
type Connector interface {
	Connect(ctx context.Context, account models.Account) (Connection, error)
}

// NewDialer constructs a dialer. A nil client falls back to
// http.DefaultClient; no timeout is imposed here, a hang blocks only the
// owning account's sync cycle.
func NewDialer(client *http.Client, logger *zap.Logger, onRefresh TokenObserver) *Dialer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{HTTPClient: client, Logger: logger, OnRefresh: onRefresh}
}

// Connect builds a connection for the account's auth kind and verifies it
// with an initial calendar listing.
func (d *Dialer) Connect(ctx context.Context, account models.Account) (Connection, error) {
	var conn Connection

	switch account.AuthKind {
	case models.AuthBasic:
		if account.Username == nil || account.Password == nil {
			return nil, fmt.Errorf("account %s: basic auth requires username and password", account.ID)
		}
		conn = newClient(account.ServerURL, d.HTTPClient, basicAuth{
			username: *account.Username,
			password: *account.Password,
		}, d.Logger)

	case models.AuthOAuth:
		if account.ClientID == nil || account.ClientSecret == nil || account.RefreshToken == nil {
			return nil, fmt.Errorf("account %s: oauth requires client credentials and a refresh token", account.ID)
		}
		ts := newTokenSource(account, d.HTTPClient, d.OnRefresh, d.Logger)
		conn = newClient(account.ServerURL, d.HTTPClient, ts, d.Logger)

	default:
		return nil, fmt.Errorf("account %s: unknown auth kind %q", account.ID, account.AuthKind)
	}

	// A connection is only "established" once the server answered a listing.
	if _, err := conn.ListCalendars(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", account.ID, err)
	}
	return conn, nil
}

// authorizer decorates an outgoing request with credentials. retryAuth is
// consulted once after a 401 so token-based sessions can refresh in place.
type authorizer interface {
	apply(req *http.Request) error
	retryAuth(ctx context.Context, req *http.Request) (bool, error)
}

type basicAuth struct {
	username string
	password string
}

func (b basicAuth) apply(req *http.Request) error {
	req.SetBasicAuth(b.username, b.password)
	return nil
}

func (b basicAuth) retryAuth(context.Context, *http.Request) (bool, error) {
	return false, nil
}

func joinURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		// Hrefs in multistatus responses are server-absolute paths.
		if i := strings.Index(base, "://"); i >= 0 {
			if j := strings.Index(base[i+3:], "/"); j >= 0 {
				return base[:i+3+j] + ref
			}
		}
		return strings.TrimRight(base, "/") + ref
	}
	return strings.TrimRight(base, "/") + "/" + ref
}
