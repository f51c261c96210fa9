package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dreymor/dtfetch/internal/account"
	"github.com/dreymor/dtfetch/internal/api"
	"github.com/dreymor/dtfetch/internal/auth"
	"github.com/dreymor/dtfetch/internal/config"
	"github.com/dreymor/dtfetch/internal/events"
)

type serverClient struct {
	mu           sync.Mutex
	summary      *api.Summary
	summaryErr   error
	storeErr     error
	summaryCalls int
	storeCalls   int
}

func (f *serverClient) GetSummary(context.Context, *api.Auth) (*api.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaryCalls++
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return f.summary, nil
}

func (f *serverClient) GetStore(context.Context, *api.Auth, api.CurrencyType, api.Character) (*api.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls++
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	return &api.Store{CurrentRotationEnd: time.Now().Add(time.Hour)}, nil
}

func (f *serverClient) GetMasterData(context.Context, *api.Auth) (*api.MasterData, error) {
	return &api.MasterData{}, nil
}

func (f *serverClient) RefreshAuth(context.Context, *api.Auth) (*api.Auth, error) {
	return nil, errors.New("not used")
}

type serverFixture struct {
	srv      *Server
	storage  auth.Storage
	accounts *account.Cache
	client   *serverClient
	bus      *events.Bus
}

// newFixture wires a server over volatile storage with a scripted upstream.
// The manager is constructed for its handle but not run; ingestion tests
// only assert on what gets queued.
func newFixture(t *testing.T, client *serverClient) *serverFixture {
	t.Helper()
	cfg := &config.Config{
		Host:           "127.0.0.1",
		Port:           3000,
		EnableSingle:   true,
		RequestTimeout: 5 * time.Second,
		LogSink:        "stderr",
		LogLevel:       "info",
	}
	storage := auth.NewMemoryStorage()
	accounts := account.NewCache()
	bus := events.NewBus(16)
	mgr := auth.NewManager(storage, accounts, client, bus)
	logs := events.NewLogHandler("stderr", slog.LevelError, 16)

	return &serverFixture{
		srv:      New(cfg, mgr.Handle(), accounts, client, bus, logs),
		storage:  storage,
		accounts: accounts,
		client:   client,
		bus:      bus,
	}
}

func (fx *serverFixture) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	fx.srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func (fx *serverFixture) seedAccount(t *testing.T, chars ...api.Character) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := fx.storage.Insert(id, &api.Auth{AccessToken: "at", Sub: id, ExpiresIn: time.Hour}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	fx.accounts.Insert(id, account.NewBundle(serverSummary(t, chars...), nil, nil, &api.MasterData{}))
	return id
}

func serverSummary(t *testing.T, chars ...api.Character) *api.Summary {
	t.Helper()
	doc, err := json.Marshal(map[string]any{"characters": chars})
	if err != nil {
		t.Fatalf("marshal summary doc: %v", err)
	}
	var s api.Summary
	if err := json.Unmarshal(doc, &s); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	return &s
}

func TestSummaryServedFromFreshCache(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	id := fx.seedAccount(t, api.Character{ID: uuid.New(), Archetype: "zealot"})

	rec := fx.do(t, http.MethodGet, "/summary/"+id.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if fx.client.summaryCalls != 0 {
		t.Fatalf("fresh cache hit should not reach upstream, calls = %d", fx.client.summaryCalls)
	}
	if !strings.Contains(rec.Body.String(), "characters") {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestSummaryRefreshedWhenUncached(t *testing.T) {
	client := &serverClient{summary: serverSummary(t)}
	fx := newFixture(t, client)

	id := uuid.New()
	if err := fx.storage.Insert(id, &api.Auth{Sub: id, ExpiresIn: time.Hour}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	rec := fx.do(t, http.MethodGet, "/summary/"+id.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if client.summaryCalls != 1 {
		t.Fatalf("summary calls = %d, want 1", client.summaryCalls)
	}
	if fx.accounts.Get(id) == nil {
		t.Fatal("refreshed summary should be cached")
	}
}

func TestSummaryFailureIsNotFound(t *testing.T) {
	fx := newFixture(t, &serverClient{summaryErr: errors.New("upstream down")})
	id := uuid.New()
	if err := fx.storage.Insert(id, &api.Auth{Sub: id, ExpiresIn: time.Hour}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	if rec := fx.do(t, http.MethodGet, "/summary/"+id.String(), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSummaryUnknownAccountIsNotFound(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	if rec := fx.do(t, http.MethodGet, "/summary/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMasterData(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	id := fx.seedAccount(t)

	if rec := fx.do(t, http.MethodGet, "/master_data/"+id.String(), ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := fx.do(t, http.MethodGet, "/master_data/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStoreServedFromCacheAfterFirstFetch(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	char := api.Character{ID: uuid.New(), Archetype: "zealot"}
	id := fx.seedAccount(t, char)

	target := "/store/" + id.String() + "?characterId=" + char.ID.String() + "&currencyType=marks"

	rec := fx.do(t, http.MethodGet, target, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if fx.client.storeCalls != 1 {
		t.Fatalf("store calls = %d, want 1", fx.client.storeCalls)
	}

	rec = fx.do(t, http.MethodGet, target, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second status = %d", rec.Code)
	}
	if fx.client.storeCalls != 1 {
		t.Fatalf("cached hit reached upstream, calls = %d", fx.client.storeCalls)
	}
}

func TestStoreUnknownCharacterRefreshesSummaryFirst(t *testing.T) {
	// The refreshed summary still lacks the character: 404, no store fetch.
	client := &serverClient{summary: serverSummary(t)}
	fx := newFixture(t, client)
	id := fx.seedAccount(t)

	target := "/store/" + id.String() + "?characterId=" + uuid.NewString() + "&currencyType=marks"
	rec := fx.do(t, http.MethodGet, target, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if client.summaryCalls != 1 {
		t.Fatalf("summary calls = %d, want 1", client.summaryCalls)
	}
	if client.storeCalls != 0 {
		t.Fatalf("store calls = %d, want 0", client.storeCalls)
	}
}

func TestStoreCharacterAppearsAfterSummaryRefresh(t *testing.T) {
	char := api.Character{ID: uuid.New(), Archetype: "ogryn"}
	client := &serverClient{summary: serverSummary(t, char)}
	fx := newFixture(t, client)
	id := fx.seedAccount(t) // cached summary has no characters

	target := "/store/" + id.String() + "?characterId=" + char.ID.String() + "&currencyType=credits"
	rec := fx.do(t, http.MethodGet, target, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if client.summaryCalls != 1 || client.storeCalls != 1 {
		t.Fatalf("calls = %d summary / %d store, want 1/1", client.summaryCalls, client.storeCalls)
	}
}

func TestStoreFetchFailureIsInternalError(t *testing.T) {
	fx := newFixture(t, &serverClient{storeErr: errors.New("upstream down")})
	char := api.Character{ID: uuid.New(), Archetype: "zealot"}
	id := fx.seedAccount(t, char)

	target := "/store/" + id.String() + "?characterId=" + char.ID.String() + "&currencyType=marks"
	if rec := fx.do(t, http.MethodGet, target, ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestStoreRejectsBadQuery(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	id := fx.seedAccount(t)

	if rec := fx.do(t, http.MethodGet, "/store/"+id.String()+"?characterId=nope&currencyType=marks", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad characterId: status = %d, want 400", rec.Code)
	}
	if rec := fx.do(t, http.MethodGet, "/store/"+id.String()+"?characterId="+uuid.NewString()+"&currencyType=gold", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad currencyType: status = %d, want 400", rec.Code)
	}
}

func TestPutAuth(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	id := uuid.New()
	body := `{"AccessToken":"at","RefreshToken":"rt","Sub":"` + id.String() + `","ExpiresIn":3600}`

	if rec := fx.do(t, http.MethodPut, "/auth/"+id.String(), body); rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	// Already in storage: acknowledged without re-enqueueing.
	if err := fx.storage.Insert(id, &api.Auth{Sub: id, ExpiresIn: time.Hour}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec := fx.do(t, http.MethodPut, "/auth/"+id.String(), body); rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rec.Code)
	}

	if rec := fx.do(t, http.MethodPut, "/auth/"+id.String(), "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d, want 400", rec.Code)
	}
	if rec := fx.do(t, http.MethodPut, "/auth/"+uuid.NewString(), body); rec.Code != http.StatusBadRequest {
		t.Fatalf("sub mismatch status = %d, want 400", rec.Code)
	}
}

func TestGetAuth(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	id := fx.seedAccount(t)

	if rec := fx.do(t, http.MethodGet, "/auth/"+id.String(), ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec := fx.do(t, http.MethodGet, "/auth/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSingleEndpointsWithNoAccounts(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	for _, target := range []string{"/summary", "/master_data", "/store?characterId=" + uuid.NewString() + "&currencyType=marks"} {
		if rec := fx.do(t, http.MethodGet, target, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", target, rec.Code)
		}
	}
}

func TestSingleSummaryDelegates(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	fx.seedAccount(t, api.Character{ID: uuid.New(), Archetype: "veteran"})

	rec := fx.do(t, http.MethodGet, "/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestHealth(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	rec := fx.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEventsEndpoints(t *testing.T) {
	fx := newFixture(t, &serverClient{})
	fx.bus.Publish(events.Event{Type: events.EventIngest, Message: "credential added"})

	rec := fx.do(t, http.MethodGet, "/events", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ingest") {
		t.Fatalf("events: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec := fx.do(t, http.MethodGet, "/events/logs", ""); rec.Code != http.StatusOK {
		t.Fatalf("logs: status = %d", rec.Code)
	}
}
