package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/concrnt/ccworld-ap-relay/apclient"
	"github.com/concrnt/ccworld-ap-relay/store"
	"github.com/concrnt/ccworld-ap-relay/types"
)

const (
	testAPIKey = "secret"
	bobID      = "https://a.example/users/bob"
	bobFollow  = "https://a.example/follows/1"
	followJSON = `{"id":"https://a.example/follows/1","type":"Follow","actor":"https://a.example/users/bob","object":"https://www.w3.org/ns/activitystreams#Public"}`
)

type sent struct {
	inbox  string
	object map[string]any
}

type fakeClient struct {
	mu       sync.Mutex
	actors   map[string]types.Person
	failPost bool
	sent     []sent
}

func (f *fakeClient) FetchActor(_ context.Context, id string) (types.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	person, ok := f.actors[id]
	if !ok {
		return types.Person{}, apclient.ErrActorFetchFailed
	}
	return person, nil
}

func (f *fakeClient) PostToInbox(_ context.Context, inbox string, object any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPost {
		return errors.Wrap(apclient.ErrDeliveryFailed, inbox)
	}
	body, err := json.Marshal(object)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return err
	}
	f.sent = append(f.sent, sent{inbox, decoded})
	return nil
}

type testEnv struct {
	echo   *echo.Echo
	store  *store.Store
	client *fakeClient
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, store.Migrate(db))

	s := store.NewStore(db)
	client := &fakeClient{actors: map[string]types.Person{
		bobID: {ID: bobID, Inbox: bobID + "/inbox"},
	}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := types.RelayConfig{Hostname: "relay.example", APIKey: testAPIKey}

	e := echo.New()
	NewHandler(NewService(s, client, config, log)).Register(e.Group("/api", KeyAuth(config.APIKey)))

	return testEnv{e, s, client}
}

func (env testEnv) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	return rec.Code, decoded
}

func (env testEnv) pendingFollow(t *testing.T) {
	t.Helper()
	_, err := env.store.InsertFollowRequest(context.Background(), types.FollowRequest{
		ID:          bobFollow,
		ActorID:     bobID,
		ObjectID:    types.PublicCollection,
		RawActivity: followJSON,
	})
	require.NoError(t, err)
}

func TestKeyAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, key := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		env.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, key)
	}

	status, _ := env.do(t, http.MethodGet, "/api/settings", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestKeyAuth_EmptyKeyDeniesAll(t *testing.T) {
	e := echo.New()
	e.Group("/api", KeyAuth("")).GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("X-API-Key", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApprove(t *testing.T) {
	env := newTestEnv(t)
	env.pendingFollow(t)

	status, _ := env.do(t, http.MethodPost, "/api/follow-requests/approve?id="+bobFollow, "")
	assert.Equal(t, http.StatusOK, status)

	require.Len(t, env.client.sent, 1)
	assert.Equal(t, bobID+"/inbox", env.client.sent[0].inbox)
	assert.Equal(t, "Accept", env.client.sent[0].object["type"])
	assert.Equal(t, bobFollow, env.client.sent[0].object["object"].(map[string]any)["id"])

	request, err := env.store.GetFollowRequest(context.Background(), bobFollow)
	require.NoError(t, err)
	assert.Equal(t, types.FollowStatusApproved, request.Status)

	_, err = env.store.GetActor(context.Background(), bobID)
	require.NoError(t, err)

	status, _ = env.do(t, http.MethodPost, "/api/follow-requests/approve?id="+bobFollow, "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestApprove_NotFound(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/follow-requests/approve?id=https://a.example/follows/none", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "error", body["status"])
}

func TestApprove_DeliveryFailedKeepsPending(t *testing.T) {
	env := newTestEnv(t)
	env.pendingFollow(t)
	env.client.failPost = true

	status, _ := env.do(t, http.MethodPost, "/api/follow-requests/approve?id="+bobFollow, "")
	assert.Equal(t, http.StatusBadGateway, status)

	request, err := env.store.GetFollowRequest(context.Background(), bobFollow)
	require.NoError(t, err)
	assert.Equal(t, types.FollowStatusPending, request.Status)

	_, err = env.store.GetActor(context.Background(), bobID)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestReject(t *testing.T) {
	env := newTestEnv(t)
	env.pendingFollow(t)

	status, _ := env.do(t, http.MethodPost, "/api/follow-requests/reject?id="+bobFollow, "")
	assert.Equal(t, http.StatusOK, status)

	require.Len(t, env.client.sent, 1)
	assert.Equal(t, "Reject", env.client.sent[0].object["type"])

	request, err := env.store.GetFollowRequest(context.Background(), bobFollow)
	require.NoError(t, err)
	assert.Equal(t, types.FollowStatusRejected, request.Status)

	_, err = env.store.GetActor(context.Background(), bobID)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestListFollowRequests(t *testing.T) {
	env := newTestEnv(t)
	env.pendingFollow(t)

	status, body := env.do(t, http.MethodGet, "/api/follow-requests?status=pending", "")
	assert.Equal(t, http.StatusOK, status)
	content := body["content"].(map[string]any)
	assert.Equal(t, float64(1), content["total"])

	status, _ = env.do(t, http.MethodGet, "/api/follow-requests?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRemoveActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertActor(ctx, types.Actor{ID: bobID, Inbox: bobID + "/inbox", SharedInbox: "https://a.example/inbox"}))

	status, body := env.do(t, http.MethodGet, "/api/actors", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["content"].(map[string]any)["total"])

	status, _ = env.do(t, http.MethodDelete, "/api/actors?id="+bobID, "")
	assert.Equal(t, http.StatusOK, status)

	require.Len(t, env.client.sent, 1)
	assert.Equal(t, "https://a.example/inbox", env.client.sent[0].inbox)
	assert.Equal(t, "Reject", env.client.sent[0].object["type"])
	follow := env.client.sent[0].object["object"].(map[string]any)
	assert.Equal(t, "Follow", follow["type"])
	assert.Equal(t, bobID, follow["actor"])

	_, err := env.store.GetActor(ctx, bobID)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	status, _ = env.do(t, http.MethodDelete, "/api/actors?id="+bobID, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRemoveActor_RejectFailureStillRemoves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertActor(ctx, types.Actor{ID: bobID, Inbox: bobID + "/inbox"}))
	env.client.failPost = true

	status, _ := env.do(t, http.MethodDelete, "/api/actors?id="+bobID, "")
	assert.Equal(t, http.StatusOK, status)

	_, err := env.store.GetActor(ctx, bobID)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestDomainRules(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/domain-rules", `{"pattern":"Bad.Example","reason":"spam"}`)
	assert.Equal(t, http.StatusCreated, status)
	id := body["content"].(map[string]any)["id"].(float64)
	assert.Equal(t, "bad.example", body["content"].(map[string]any)["pattern"])

	status, _ = env.do(t, http.MethodPost, "/api/domain-rules", `{"pattern":"(unclosed","isRegex":true}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/domain-rules", `{"pattern":""}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodGet, "/api/domain-rules", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["content"], 1)

	target := "/api/domain-rules/" + strconv.Itoa(int(id))
	status, _ = env.do(t, http.MethodDelete, target, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodDelete, target, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodDelete, "/api/domain-rules/abc", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/settings", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{
		types.SettingDomainBlockMode:    types.DomainBlockModeBlacklist,
		types.SettingAutoApproveFollows: "false",
	}, body["content"])

	status, _ = env.do(t, http.MethodPut, "/api/settings/auto_approve_follows", `{"value":"true"}`)
	assert.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/api/settings/auto_approve_follows", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "true", body["content"].(map[string]any)["value"])

	status, _ = env.do(t, http.MethodPut, "/api/settings/domain_block_mode", `{"value":"graylist"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPut, "/api/settings/unknown", `{"value":"x"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/api/settings/unknown", "")
	assert.Equal(t, http.StatusNotFound, status)
}
