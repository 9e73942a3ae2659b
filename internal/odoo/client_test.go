package odoo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOdoo struct {
	mu          sync.Mutex
	dbs         []string
	password    string
	sessions    map[string]bool
	authCount   int
	neverValid  bool
	lastCreate  map[string]interface{}
	sessionSeed int
}

func newFakeOdoo(t *testing.T) (*fakeOdoo, *httptest.Server) {
	f := &fakeOdoo{dbs: []string{"gate"}, password: "secret", sessions: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeOdoo) expireAll() {
	f.mu.Lock()
	f.sessions = map[string]bool{}
	f.mu.Unlock()
}

func (f *fakeOdoo) auths() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCount
}

func (f *fakeOdoo) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Params map[string]interface{} `json:"params"`
		ID     int64                  `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	reply := func(result interface{}) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
	expired := func() {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{
				"code":    100,
				"message": "Odoo Session Expired",
				"data":    map[string]interface{}{"name": "odoo.http.SessionExpiredException", "message": "Session expired"},
			},
		})
	}

	switch r.URL.Path {
	case pathDatabaseList:
		reply(f.dbs)
	case pathAuthenticate:
		f.authCount++
		if req.Params["password"] != f.password {
			reply(map[string]interface{}{"uid": false})
			return
		}
		f.sessionSeed++
		sid := fmt.Sprintf("s%d", f.sessionSeed)
		f.sessions[sid] = true
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sid})
		reply(map[string]interface{}{"uid": 7, "username": "admin"})
	case pathDestroy:
		reply(true)
	case pathCallKW:
		ck, err := r.Cookie(sessionCookie)
		if err != nil || !f.sessions[ck.Value] || f.neverValid {
			expired()
			return
		}
		switch req.Params["method"] {
		case "read":
			reply([]map[string]interface{}{{"id": 7, "name": "Gate Admin"}})
		case "create":
			args := req.Params["args"].([]interface{})
			f.lastCreate = args[0].(map[string]interface{})
			reply(42)
		case "search_read":
			reply([]map[string]interface{}{{
				"id": 3, "vehicle_number": "XE 5839 D", "iunumber": false,
				"unit_id": []interface{}{12, "#05-12"}, "name": "Tan",
				"validfrom": "2026-01-01", "validto": false, "active": true,
			}})
		default:
			reply(nil)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func loggedIn(t *testing.T, srv *httptest.Server) (*Client, *MemoryStore) {
	t.Helper()
	store := &MemoryStore{}
	c := NewClient(store, 5*time.Second, zerolog.Nop())
	_, err := c.Login(context.Background(), srv.URL+"/", "", "admin", "secret")
	require.NoError(t, err)
	return c, store
}

func TestLogin_DiscoversDatabaseAndPersistsSession(t *testing.T) {
	_, srv := newFakeOdoo(t)
	c, store := loggedIn(t, srv)

	assert.Equal(t, "gate", store.Creds.DB)
	assert.Equal(t, int64(7), store.Creds.UID)
	assert.Equal(t, "s1", store.Creds.SessionID)
	assert.Equal(t, "secret", store.Creds.Password)
	assert.Equal(t, srv.URL, store.Creds.URL)

	st := c.Status(context.Background())
	assert.True(t, st.Connected)
	assert.Equal(t, StateAuthenticated, st.State)
	assert.True(t, st.HasSession)
}

func TestLogin_Failures(t *testing.T) {
	f, srv := newFakeOdoo(t)
	c := NewClient(&MemoryStore{}, time.Second, zerolog.Nop())
	ctx := context.Background()

	_, err := c.Login(ctx, srv.URL, "gate", "admin", "wrong")
	assert.ErrorContains(t, err, "invalid credentials")

	f.mu.Lock()
	f.dbs = []string{"a", "b"}
	f.mu.Unlock()
	_, err = c.Login(ctx, srv.URL, "", "admin", "secret")
	assert.ErrorContains(t, err, "multiple databases")

	_, err = c.Login(ctx, "", "gate", "admin", "secret")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, c.IsConfigured(ctx))
}

func TestCallKW_ExpiredSessionRenewsOnceAndRetries(t *testing.T) {
	f, srv := newFakeOdoo(t)
	c, store := loggedIn(t, srv)
	f.expireAll()

	msg, err := c.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "connected as Gate Admin", msg)
	assert.Equal(t, 2, f.auths())
	assert.Equal(t, "s2", store.Creds.SessionID)
}

func TestCallKW_SecondFailurePropagates(t *testing.T) {
	f, srv := newFakeOdoo(t)
	c, _ := loggedIn(t, srv)
	f.mu.Lock()
	f.neverValid = true
	f.mu.Unlock()

	_, err := c.Create(context.Background(), ModelAccessLog, map[string]interface{}{"name": "X"})
	require.Error(t, err)
	assert.True(t, IsSessionError(err))
	assert.Equal(t, 2, f.auths())
}

func TestCallKW_ConcurrentExpiryRenewsOnce(t *testing.T) {
	f, srv := newFakeOdoo(t)
	c, _ := loggedIn(t, srv)

	// Generation in effect before the server drops every session.
	_, gen, err := c.snapshot(context.Background())
	require.NoError(t, err)
	f.expireAll()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.TestConnection(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, f.auths())
	_, now, _ := c.snapshot(context.Background())
	assert.Equal(t, gen+1, now)
}

func TestCallKW_NotAuthenticated(t *testing.T) {
	_, srv := newFakeOdoo(t)
	c := NewClient(&MemoryStore{Creds: Credentials{URL: srv.URL}}, time.Second, zerolog.Nop())
	_, err := c.CallKW(context.Background(), "res.users", "read", nil, nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	c = NewClient(&MemoryStore{}, time.Second, zerolog.Nop())
	_, err = c.CallKW(context.Background(), "res.users", "read", nil, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLogout_ForgetsSessionKeepsPassword(t *testing.T) {
	_, srv := newFakeOdoo(t)
	c, store := loggedIn(t, srv)

	require.NoError(t, c.Logout(context.Background()))
	assert.Zero(t, store.Creds.UID)
	assert.Empty(t, store.Creds.SessionID)
	assert.Equal(t, "secret", store.Creds.Password)
	assert.Equal(t, StateUnauthenticated, c.Status(context.Background()).State)
	assert.False(t, c.IsConfigured(context.Background()))
}

func TestCreateAccessLog_Fields(t *testing.T) {
	f, srv := newFakeOdoo(t)
	c, _ := loggedIn(t, srv)
	loc := int64(5)

	_, err := c.CreateAccessLog(context.Background(), AccessLogValues{Plate: "XE5839D"})
	assert.ErrorContains(t, err, "site_id is required")

	id, err := c.CreateAccessLog(context.Background(), AccessLogValues{
		Plate:         "XE5839D",
		LoggedAt:      time.Date(2026, 10, 17, 17, 4, 5, 0, time.FixedZone("SGT", 8*3600)),
		SiteID:        2,
		LocationID:    &loc,
		PlateImageURL: "https://cdn.example.com/p.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "XE5839D", f.lastCreate["name"])
	assert.Equal(t, "2026-10-17 09:04:05", f.lastCreate["logtime"])
	assert.Equal(t, float64(2), f.lastCreate["site_id"])
	assert.Equal(t, float64(5), f.lastCreate["location_id"])
	assert.NotContains(t, f.lastCreate, "unit_id")
	assert.NotContains(t, f.lastCreate, "vehicle_image_url")
}

func TestGetVehicles_DecodesFalseValues(t *testing.T) {
	_, srv := newFakeOdoo(t)
	c, _ := loggedIn(t, srv)

	vs, err := c.GetVehicles(context.Background(), 2, 5000)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	v := vs[0]
	assert.Equal(t, Text("XE 5839 D"), v.VehicleNumber)
	assert.Equal(t, Text(""), v.IUNumber)
	assert.Equal(t, int64(12), v.Unit.ID)
	assert.Equal(t, "#05-12", v.Unit.Name)
	require.NotNil(t, v.ValidFrom.Time)
	assert.Equal(t, 2026, v.ValidFrom.Time.Year())
	assert.Nil(t, v.ValidTo.Time)
}

func TestIsSessionError(t *testing.T) {
	assert.True(t, IsSessionError(&RPCError{Code: 100}))
	assert.True(t, IsSessionError(fmt.Errorf("wrap: %w", &RPCError{Code: 200, Detail: "Session expired"})))
	assert.False(t, IsSessionError(&RPCError{Code: 200, Detail: "Invalid field 'foo'"}))
	assert.False(t, IsSessionError(&RPCError{Code: 200, Message: "Odoo Server Error", Detail: "Invalid value for many2one field"}))
	assert.True(t, IsSessionError(&RPCError{Code: 200, Detail: "Invalid session, please log in again"}))
	assert.False(t, IsSessionError(fmt.Errorf("session dropped")))
}
