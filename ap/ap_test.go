package ap

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/concrnt/ccworld-ap-relay/apclient"
	"github.com/concrnt/ccworld-ap-relay/domainblock"
	"github.com/concrnt/ccworld-ap-relay/signature"
	"github.com/concrnt/ccworld-ap-relay/store"
	"github.com/concrnt/ccworld-ap-relay/types"
)

type delivery struct {
	inbox string
	body  []byte
}

type fakeClient struct {
	mu         sync.Mutex
	actors     map[string]types.Person
	failing    map[string]bool
	deliveries []delivery
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		actors:  map[string]types.Person{},
		failing: map[string]bool{},
	}
}

func (f *fakeClient) FetchActor(_ context.Context, id string) (types.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	person, ok := f.actors[signature.StripFragment(id)]
	if !ok {
		return types.Person{}, apclient.ErrActorFetchFailed
	}
	return person, nil
}

func (f *fakeClient) PostToInbox(ctx context.Context, inbox string, object any) error {
	body, err := json.Marshal(object)
	if err != nil {
		return err
	}
	return f.PostRaw(ctx, inbox, body)
}

func (f *fakeClient) PostRaw(_ context.Context, inbox string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[inbox] {
		return apclient.ErrDeliveryFailed
	}
	f.deliveries = append(f.deliveries, delivery{inbox, body})
	return nil
}

func (f *fakeClient) delivered() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.deliveries...)
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

type testEnv struct {
	service *Service
	store   *store.Store
	client  *fakeClient
}

var testConfig = types.RelayConfig{Hostname: "relay.example"}

var (
	keyOnce sync.Once
	keyPem  string
	keyErr  error
)

func testKeyPem(t *testing.T) string {
	t.Helper()
	keyOnce.Do(func() {
		var priv *rsa.PrivateKey
		priv, keyErr = rsa.GenerateKey(rand.Reader, 2048)
		if keyErr == nil {
			keyPem = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}))
		}
	})
	require.NoError(t, keyErr)
	return keyPem
}

func newTestEnv(t *testing.T, dedupe Deduper) testEnv {
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

	config := testConfig
	config.PrivateKey = testKeyPem(t)
	codec, err := signature.NewCodec(config)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewStore(db)
	client := newFakeClient()
	blocks := domainblock.NewEngine(s, log)
	info := types.NodeInfo{Version: "2.1"}

	return testEnv{
		service: NewService(s, blocks, client, dedupe, codec, info, config, log),
		store:   s,
		client:  client,
	}
}

func parseActivity(t *testing.T, raw string) types.Activity {
	t.Helper()
	var activity types.Activity
	require.NoError(t, json.Unmarshal([]byte(raw), &activity))
	return activity
}

func person(id string) types.Person {
	return types.Person{
		ID:    id,
		Type:  "Person",
		Inbox: id + "/inbox",
		PublicKey: &types.Key{
			ID:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: "PEM",
		},
	}
}
