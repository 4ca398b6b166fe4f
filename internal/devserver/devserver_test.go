package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pinmap/locsync/internal/api"
	"github.com/pinmap/locsync/internal/realtime"
	gormstorage "github.com/pinmap/locsync/internal/storage/gorm"
	reststorage "github.com/pinmap/locsync/internal/storage/rest"
	"github.com/pinmap/locsync/pkg/core"
	"github.com/pinmap/locsync/pkg/streaming"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	users []SeededUser
}

func newFixture(t *testing.T, cfg Config, names ...string) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := gormstorage.New(gormstorage.Dependencies{DB: db, CloseDB: sqlDB.Close})
	require.NoError(t, store.Migrate())

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	srv, err := New(Dependencies{Store: store, Config: cfg})
	require.NoError(t, err)
	users, err := srv.Seed(context.Background(), names)
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		hs.Close()
		store.Close()
	})
	return &fixture{srv: srv, http: hs, users: users}
}

func (f *fixture) restStore(u SeededUser) *reststorage.Store {
	c := api.New(f.http.URL, f.srv.cfg.APIKey)
	c.SetAccessToken(u.Token)
	return reststorage.New(c)
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "/realtime"
}

func (f *fixture) request(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Dependencies{Config: Config{JWTSecret: "s"}})
	assert.Error(t, err)
}

func TestSeed_BefriendsEveryone(t *testing.T) {
	f := newFixture(t, Config{}, "Ana", "Bo", "Cy", " ")
	require.Len(t, f.users, 3)

	friends, err := f.restStore(f.users[0]).FetchFriendIDs(context.Background(), core.PeerID(f.users[0].ID))
	require.NoError(t, err)
	want := []string{f.users[1].ID, f.users[2].ID}
	sort.Strings(want)
	assert.Equal(t, []core.PeerID{core.PeerID(want[0]), core.PeerID(want[1])}, friends)
}

func TestRESTStore_RoundTrip(t *testing.T) {
	f := newFixture(t, Config{}, "Ana", "Bo")
	ana, bo := f.users[0], f.users[1]
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, f.restStore(bo).UpsertLocation(ctx, core.LocationRecord{
		UserID:    core.PeerID(bo.ID),
		Position:  core.Position{Latitude: 48.2, Longitude: 16.4},
		Accuracy:  5,
		Visible:   true,
		UpdatedAt: at,
	}))

	peers, err := f.restStore(ana).FetchPeers(ctx, core.PeerID(ana.ID))
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, core.PeerID(bo.ID), peers[0].ID)
	assert.Equal(t, "Bo", peers[0].DisplayName)
	assert.True(t, peers[0].Visible)
	require.NotNil(t, peers[0].Position)
	assert.InDelta(t, 48.2, peers[0].Position.Latitude, 1e-9)
	assert.True(t, at.Equal(peers[0].UpdatedAt))

	p, err := f.restStore(ana).FetchProfile(ctx, core.PeerID(bo.ID))
	require.NoError(t, err)
	assert.Equal(t, "Bo", p.DisplayName)
}

func TestUpsert_OtherUsersRowIsForbidden(t *testing.T) {
	f := newFixture(t, Config{}, "Ana", "Bo")
	err := f.restStore(f.users[0]).UpsertLocation(context.Background(), core.LocationRecord{
		UserID: core.PeerID(f.users[1].ID), Visible: true,
	})
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestSelect_Errors(t *testing.T) {
	f := newFixture(t, Config{}, "Ana")
	tok := f.users[0].Token

	tests := []struct {
		name string
		path string
		code int
	}{
		{"unknown table", "/rest/v1/secrets", http.StatusNotFound},
		{"unknown column", "/rest/v1/profiles?password=eq.x", http.StatusBadRequest},
		{"unknown operator", "/rest/v1/profiles?id=like.x", http.StatusBadRequest},
		{"bad in list", "/rest/v1/profiles?id=in.a,b", http.StatusBadRequest},
		{"unknown select column", "/rest/v1/profiles?select=secret", http.StatusBadRequest},
		{"bad order", "/rest/v1/profiles?order=id.sideways", http.StatusBadRequest},
		{"bad limit", "/rest/v1/profiles?limit=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.request(t, http.MethodGet, tt.path, tok)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestSelect_ProjectionOrderLimit(t *testing.T) {
	f := newFixture(t, Config{}, "Ana", "Bo", "Cy")
	resp := f.request(t, http.MethodGet, "/rest/v1/profiles?select=display_name&order=display_name.desc&limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	assert.Equal(t, []map[string]any{{"display_name": "Cy"}, {"display_name": "Bo"}}, rows)
}

func TestSelect_EmptyInListMatchesNothing(t *testing.T) {
	f := newFixture(t, Config{}, "Ana")
	resp := f.request(t, http.MethodGet, "/rest/v1/profiles?id=in.()", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	assert.Empty(t, rows)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{APIKey: "anon"}, "Ana")

	t.Run("missing api key", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/rest/v1/profiles", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
	t.Run("invalid token", func(t *testing.T) {
		_, err := reststorage.New(func() *api.Client {
			c := api.New(f.http.URL, "anon")
			c.SetAccessToken("garbage")
			return c
		}()).FetchFriendIDs(context.Background(), "x")
		var se *api.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnauthorized, se.Code)
	})
	t.Run("anonymous read", func(t *testing.T) {
		ids, err := reststorage.New(api.New(f.http.URL, "anon")).FetchFriendIDs(context.Background(), core.PeerID(f.users[0].ID))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
	t.Run("anonymous write", func(t *testing.T) {
		err := reststorage.New(api.New(f.http.URL, "anon")).UpsertLocation(context.Background(), core.LocationRecord{UserID: "x"})
		var se *api.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnauthorized, se.Code)
	})
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t, Config{}, "Ana")

	post := func(body string) *http.Response {
		resp, err := http.Post(f.http.URL+"/auth/v1/token", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"user_id":"` + f.users[0].ID + `"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.AccessToken)

	assert.Equal(t, http.StatusNotFound, post(`{"user_id":"nobody"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{}`).StatusCode)
}

func TestHealthcheck(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, api.New(f.http.URL, "").Healthcheck(context.Background()))
}

func TestRealtime_DeliversFilteredChanges(t *testing.T) {
	f := newFixture(t, Config{}, "Ana", "Bo", "Cy")
	ana, bo, cy := f.users[0], f.users[1], f.users[2]

	changes := make(chan streaming.ChangePayload, 8)
	up := make(chan bool, 4)
	client := realtime.New(realtime.Config{URL: f.wsURL(), Token: bo.Token, AckTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, []streaming.SubscribePayload{
			{Table: streaming.TableLocations, Filter: "user_id=in.(" + ana.ID + ")"},
		}, realtime.Handlers{
			OnChange: func(c streaming.ChangePayload) { changes <- c },
			OnStatus: func(connected bool) { up <- connected },
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.True(t, <-up)

	bg := context.Background()
	require.NoError(t, f.restStore(cy).UpsertLocation(bg, core.LocationRecord{
		UserID: core.PeerID(cy.ID), Position: core.Position{Latitude: 1, Longitude: 1}, Visible: true,
	}))
	require.NoError(t, f.restStore(ana).UpsertLocation(bg, core.LocationRecord{
		UserID: core.PeerID(ana.ID), Position: core.Position{Latitude: 2, Longitude: 3}, Visible: true,
	}))
	require.NoError(t, f.restStore(ana).UpsertLocation(bg, core.LocationRecord{
		UserID: core.PeerID(ana.ID), Position: core.Position{Latitude: 2, Longitude: 3}, Visible: false,
	}))

	first := receive(t, changes)
	assert.Equal(t, streaming.EventInsert, first.Event)
	assert.Equal(t, ana.ID, first.Record["user_id"])
	assert.Equal(t, 3.0, first.Record["longitude"])
	assert.Equal(t, true, first.Record["is_visible"])

	second := receive(t, changes)
	assert.Equal(t, streaming.EventUpdate, second.Event)
	assert.Equal(t, false, second.Record["is_visible"])
	assert.NotContains(t, second.Record, "latitude")
	assert.NotContains(t, second.Record, "longitude")

	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func receive(t *testing.T, ch <-chan streaming.ChangePayload) streaming.ChangePayload {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return streaming.ChangePayload{}
	}
}

func dialFeed(t *testing.T, f *fixture, token string) *ws.Conn {
	t.Helper()
	conn, resp, err := ws.DefaultDialer.Dial(f.wsURL()+"?token="+token, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *ws.Conn, ref string, sub streaming.SubscribePayload) streaming.Envelope {
	t.Helper()
	payload, err := json.Marshal(sub)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(streaming.Envelope{Type: streaming.TypeSubscribe, Ref: ref, Payload: payload}))
	var env streaming.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestRealtime_RejectsBadSubscriptions(t *testing.T) {
	f := newFixture(t, Config{}, "Ana")
	conn := dialFeed(t, f, f.users[0].Token)

	tests := []struct {
		name string
		sub  streaming.SubscribePayload
	}{
		{"unpublished table", streaming.SubscribePayload{Table: "friendships"}},
		{"unknown column", streaming.SubscribePayload{Table: "locations", Filter: "secret=eq.x"}},
		{"unsupported operator", streaming.SubscribePayload{Table: "locations", Filter: "latitude=gt.1"}},
		{"malformed filter", streaming.SubscribePayload{Table: "locations", Filter: "user_id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := subscribe(t, conn, tt.name, tt.sub)
			assert.Equal(t, streaming.TypeError, env.Type)
			assert.Equal(t, tt.name, env.Ref)
			var ep streaming.ErrorPayload
			require.NoError(t, json.Unmarshal(env.Payload, &ep))
			assert.NotEmpty(t, ep.Message)
		})
	}

	env := subscribe(t, conn, "ok", streaming.SubscribePayload{Table: "profiles"})
	assert.Equal(t, streaming.TypeAck, env.Type)
	assert.Equal(t, "ok", env.Ref)
}

func TestRealtime_RequiresToken(t *testing.T) {
	f := newFixture(t, Config{})
	_, resp, err := ws.DefaultDialer.Dial(f.wsURL()+"?token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDelete_PublishesOldRecord(t *testing.T) {
	f := newFixture(t, Config{}, "Ana", "Bo")
	ana, bo := f.users[0], f.users[1]
	require.NoError(t, f.restStore(ana).UpsertLocation(context.Background(), core.LocationRecord{
		UserID: core.PeerID(ana.ID), Position: core.Position{Latitude: 1, Longitude: 1}, Visible: true,
		UpdatedAt: time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC),
	}))

	conn := dialFeed(t, f, bo.Token)
	ack := subscribe(t, conn, "r1", streaming.SubscribePayload{Table: "locations", Filter: "user_id=eq." + ana.ID})
	require.Equal(t, streaming.TypeAck, ack.Type)

	resp := f.request(t, http.MethodDelete, "/rest/v1/locations?user_id=eq."+bo.ID, ana.Token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = f.request(t, http.MethodDelete, "/rest/v1/profiles?id=eq."+ana.ID, ana.Token)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = f.request(t, http.MethodDelete, "/rest/v1/locations?user_id=eq."+ana.ID, ana.Token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var env streaming.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, streaming.TypeChange, env.Type)
	var change streaming.ChangePayload
	require.NoError(t, json.Unmarshal(env.Payload, &change))
	assert.Equal(t, streaming.EventDelete, change.Event)
	assert.Equal(t, map[string]any{"user_id": ana.ID, "updated_at": "2026-05-04T10:30:00Z"}, change.OldRecord)
	assert.Nil(t, change.Record)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	f := newFixture(t, Config{}, "Ana")
	conn := dialFeed(t, f, f.users[0].Token)
	require.Equal(t, streaming.TypeAck, subscribe(t, conn, "r", streaming.SubscribePayload{Table: "profiles"}).Type)
	require.Equal(t, 1, f.srv.Hub().Len())

	f.srv.Hub().Close()
	require.Eventually(t, func() bool { return f.srv.Hub().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.srv.Hub().Publish(streaming.ChangePayload{Table: "profiles", Record: map[string]any{"id": "x"}}))
}
