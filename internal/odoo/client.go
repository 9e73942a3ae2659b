// Package odoo is a JSON-RPC client for the property management backend.
// It keeps one session cookie, persists it through a CredentialStore and
// renews it once when a call fails because the session expired.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type State string

const (
	StateUnauthenticated  State = "unauthenticated"
	StateAuthenticated    State = "authenticated"
	StateReauthenticating State = "reauthenticating"
)

const (
	pathAuthenticate = "/web/session/authenticate"
	pathDestroy      = "/web/session/destroy"
	pathDatabaseList = "/web/database/list"
	pathCallKW       = "/web/dataset/call_kw"

	sessionCookie = "session_id"
)

type Client struct {
	http  *http.Client
	store CredentialStore
	log   zerolog.Logger

	// mu serializes login, logout and re-authentication and guards the
	// fields below it.
	mu     sync.Mutex
	creds  Credentials
	loaded bool
	gen    uint64
	state  State

	connected atomic.Bool
	errMu     sync.Mutex
	lastError string
	requestID atomic.Int64
}

func NewClient(store CredentialStore, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		store: store,
		log:   log,
		state: StateUnauthenticated,
	}
}

type LoginResult struct {
	UID      int64  `json:"uid"`
	Username string `json:"username"`
	DB       string `json:"db"`
}

// Login authenticates and persists the session. An empty db is discovered
// from the server when it hosts exactly one database.
func (c *Client) Login(ctx context.Context, url, db, username, password string) (*LoginResult, error) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return nil, ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if db == "" {
		found, err := c.discoverDB(ctx, url)
		if err != nil {
			return nil, err
		}
		db = found
	}

	creds := Credentials{URL: url, DB: db, Username: username, Password: password}
	if err := c.authenticateLocked(ctx, &creds); err != nil {
		c.setError(err)
		return nil, err
	}

	c.log.Info().Str("username", creds.Username).Int64("uid", creds.UID).Str("db", db).Msg("logged in to odoo")
	return &LoginResult{UID: creds.UID, Username: creds.Username, DB: db}, nil
}

func (c *Client) discoverDB(ctx context.Context, url string) (string, error) {
	raw, _, err := c.rpc(ctx, url, "", pathDatabaseList, map[string]interface{}{})
	if err != nil {
		return "", fmt.Errorf("failed to get database list: %w", err)
	}
	var dbs []string
	if err := json.Unmarshal(raw, &dbs); err != nil {
		return "", fmt.Errorf("failed to decode database list: %w", err)
	}
	switch len(dbs) {
	case 0:
		return "", errors.New("no database found")
	case 1:
		return dbs[0], nil
	default:
		return "", fmt.Errorf("multiple databases found %v, please specify the database name", dbs)
	}
}

// authenticateLocked logs in with creds, fills in UID and SessionID and
// persists the result. c.mu must be held.
func (c *Client) authenticateLocked(ctx context.Context, creds *Credentials) error {
	raw, session, err := c.rpc(ctx, creds.URL, "", pathAuthenticate, map[string]interface{}{
		"db":       creds.DB,
		"login":    creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return err
	}

	var res struct {
		UID      json.RawMessage `json:"uid"`
		Username string          `json:"username"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	var uid int64
	if err := json.Unmarshal(res.UID, &uid); err != nil || uid <= 0 {
		return errors.New("login failed, invalid credentials")
	}

	creds.UID = uid
	if res.Username != "" {
		creds.Username = res.Username
	}
	creds.SessionID = session

	if err := c.store.Save(ctx, *creds); err != nil {
		return fmt.Errorf("failed to persist odoo session: %w", err)
	}
	c.creds = *creds
	c.loaded = true
	c.gen++
	c.state = StateAuthenticated
	c.connected.Store(true)
	c.setError(nil)
	return nil
}

// Logout destroys the remote session, ignoring remote errors, and forgets
// the uid and cookie. The password stays so an operator can log in again
// with the same account.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		return err
	}
	if c.creds.SessionID != "" && c.creds.UID != 0 {
		if _, _, err := c.rpc(ctx, c.creds.URL, c.creds.SessionID, pathDestroy, map[string]interface{}{}); err != nil {
			c.log.Debug().Err(err).Msg("odoo session destroy failed")
		}
	}

	c.creds.UID = 0
	c.creds.SessionID = ""
	c.state = StateUnauthenticated
	c.connected.Store(false)
	c.gen++
	if err := c.store.Save(ctx, c.creds); err != nil {
		return fmt.Errorf("failed to clear odoo session: %w", err)
	}
	c.log.Info().Msg("logged out of odoo")
	return nil
}

func (c *Client) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	creds, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load odoo credentials: %w", err)
	}
	c.creds = creds
	c.loaded = true
	if creds.UID != 0 && creds.SessionID != "" {
		c.state = StateAuthenticated
	}
	return nil
}

func (c *Client) snapshot(ctx context.Context) (Credentials, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return Credentials{}, 0, err
	}
	return c.creds, c.gen, nil
}

// reauthenticate renews the session observed at generation gen. When another
// caller already renewed it, it returns at once.
func (c *Client) reauthenticate(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return nil
	}
	creds := c.creds
	if creds.Password == "" || creds.URL == "" || creds.Username == "" {
		return errors.New("cannot re-authenticate, stored credentials incomplete")
	}

	c.log.Info().Str("username", creds.Username).Msg("odoo session expired, logging in again")
	c.state = StateReauthenticating
	if err := c.authenticateLocked(ctx, &creds); err != nil {
		c.state = StateUnauthenticated
		c.connected.Store(false)
		c.setError(err)
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	return nil
}

// CallKW invokes method on model. A session error triggers one
// re-authentication and one retry.
func (c *Client) CallKW(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	creds, gen, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if creds.URL == "" {
		return nil, ErrNotConfigured
	}
	if creds.UID == 0 {
		return nil, ErrNotAuthenticated
	}

	res, err := c.callKW(ctx, creds, model, method, args, kwargs)
	if err == nil || !IsSessionError(err) {
		return res, err
	}

	if rerr := c.reauthenticate(ctx, gen); rerr != nil {
		c.log.Error().Err(rerr).Msg("odoo auto re-login failed")
		return nil, err
	}
	creds, _, err = c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return c.callKW(ctx, creds, model, method, args, kwargs)
}

func (c *Client) callKW(ctx context.Context, creds Credentials, model, method string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	raw, _, err := c.rpc(ctx, creds.URL, creds.SessionID, pathCallKW, map[string]interface{}{
		"model":  model,
		"method": method,
		"args":   args,
		"kwargs": kwargs,
	})
	return raw, err
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

// rpc posts one JSON-RPC call and returns the result and the session cookie
// the server set, if any.
func (c *Client) rpc(ctx context.Context, baseURL, sessionID, path string, params interface{}) (json.RawMessage, string, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  params,
		ID:      c.requestID.Add(1),
	})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sessionID})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.connected.Store(false)
		err = fmt.Errorf("cannot connect to odoo server: %w", err)
		c.setError(err)
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.connected.Store(false)
		c.setError(err)
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.connected.Store(false)
		err = fmt.Errorf("odoo returned HTTP %d", resp.StatusCode)
		c.setError(err)
		return nil, "", err
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		err = fmt.Errorf("invalid json-rpc response: %w", err)
		c.setError(err)
		return nil, "", err
	}
	if out.Error != nil {
		rpcErr := &RPCError{
			Code:    out.Error.Code,
			Message: out.Error.Message,
			Name:    out.Error.Data.Name,
			Detail:  out.Error.Data.Message,
		}
		c.setError(rpcErr)
		return nil, "", rpcErr
	}

	var session string
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie {
			session = ck.Value
		}
	}

	c.connected.Store(true)
	c.setError(nil)
	return out.Result, session, nil
}

func (c *Client) setError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if err == nil {
		c.lastError = ""
		return
	}
	c.lastError = err.Error()
}

type Status struct {
	Connected  bool   `json:"connected"`
	State      State  `json:"state"`
	URL        string `json:"url"`
	DB         string `json:"db"`
	Username   string `json:"username"`
	UID        int64  `json:"uid"`
	HasSession bool   `json:"has_session"`
	LastError  string `json:"last_error,omitempty"`
}

func (c *Client) Status(ctx context.Context) Status {
	creds, _, err := c.snapshot(ctx)
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	c.errMu.Lock()
	lastErr := c.lastError
	c.errMu.Unlock()
	if err != nil && lastErr == "" {
		lastErr = err.Error()
	}

	return Status{
		Connected:  c.connected.Load(),
		State:      state,
		URL:        creds.URL,
		DB:         creds.DB,
		Username:   creds.Username,
		UID:        creds.UID,
		HasSession: creds.SessionID != "" && creds.UID != 0,
		LastError:  lastErr,
	}
}

// IsConfigured reports whether a url and an authenticated uid are known.
func (c *Client) IsConfigured(ctx context.Context) bool {
	creds, _, err := c.snapshot(ctx)
	return err == nil && creds.URL != "" && creds.UID != 0
}

// TestConnection reads the logged-in user's name.
func (c *Client) TestConnection(ctx context.Context) (string, error) {
	creds, _, err := c.snapshot(ctx)
	if err != nil {
		return "", err
	}
	if creds.URL == "" {
		return "", ErrNotConfigured
	}
	if creds.UID == 0 {
		return "", ErrNotAuthenticated
	}

	var users []struct {
		Name string `json:"name"`
	}
	if err := c.Read(ctx, "res.users", []int64{creds.UID}, []string{"name"}, &users); err != nil {
		c.connected.Store(false)
		return "", err
	}
	if len(users) == 0 {
		return "", errors.New("connection test failed")
	}
	return "connected as " + users[0].Name, nil
}
