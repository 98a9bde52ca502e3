package relay_test

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eqagent/internal/engine/delivery"
	"eqagent/internal/engine/ledger"
	"eqagent/internal/engine/relay"
	"eqagent/internal/engine/routes"
	"eqagent/internal/platform/database"
	"eqagent/internal/platform/keys"
	"eqagent/internal/platform/models"
)

type testEnv struct {
	t      *testing.T
	db     *sql.DB
	store  *ledger.Store
	repo   *routes.Repository
	key    *rsa.PrivateKey
	feed   *relay.Feed
	engine *relay.Engine
	cancel context.CancelFunc
}

// newTestEnv builds a full engine over a file-backed sqlite store and
// a fresh key pair. The engine is not started; tests seed the ledger
// first when they exercise restart recovery.
func newTestEnv(t *testing.T, retryMin, retryMax time.Duration) *testEnv {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	store := ledger.New(db)
	repo := routes.NewRepository(db)
	feed := relay.NewFeed()

	engine := relay.New(relay.Config{
		Workers:         2,
		RetryMinBackoff: retryMin,
		RetryMaxBackoff: retryMax,
	}, store, keys.FromKey(key), routes.NewTable(repo), repo, delivery.NewForwarder(2*time.Second), nil, feed)

	return &testEnv{t: t, db: db, store: store, repo: repo, key: key, feed: feed, engine: engine}
}

func (env *testEnv) start() {
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	require.NoError(env.t, env.engine.Start(ctx))
	env.t.Cleanup(func() {
		cancel()
		env.engine.Shutdown()
	})
}

func (env *testEnv) addRoute(destinationURL string) *models.Route {
	env.t.Helper()
	route := &models.Route{DestinationURL: destinationURL}
	require.NoError(env.t, env.repo.Create(route))
	return route
}

// seal encrypts a message for the env's key pair the way the central
// service would.
func (env *testEnv) seal(id, routeID string, msg *models.Message) *models.EncryptedItem {
	env.t.Helper()

	payload, err := json.Marshal(msg)
	require.NoError(env.t, err)

	aesKey := make([]byte, 32)
	iv := make([]byte, 12)
	_, err = rand.Read(aesKey)
	require.NoError(env.t, err)
	_, err = rand.Read(iv)
	require.NoError(env.t, err)

	block, err := aes.NewCipher(aesKey)
	require.NoError(env.t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(env.t, err)

	sealed := gcm.Seal(nil, iv, payload, nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	wrap := func(b []byte) string {
		wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &env.key.PublicKey, b, nil)
		require.NoError(env.t, err)
		return base64.StdEncoding.EncodeToString(wrapped)
	}

	return &models.EncryptedItem{
		ID:      id,
		RouteID: routeID,
		Content: base64.StdEncoding.EncodeToString(ciphertext),
		AES:     wrap(aesKey),
		IV:      wrap(iv),
		Tag:     wrap(tag),
	}
}

func (env *testEnv) requireState(id string, want models.ItemState) {
	env.t.Helper()
	require.Eventually(env.t, func() bool {
		item, err := env.store.Get(id)
		if err != nil {
			return false
		}
		return item.State == want
	}, 5*time.Second, 10*time.Millisecond, "item %s never reached %s", id, want)
}

func simpleMessage() *models.Message {
	return &models.Message{
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"event":"ping"}`),
	}
}

func TestDeliverySuccess(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t, time.Hour, time.Hour)
	route := env.addRoute(server.URL)
	env.start()

	events, cancelSub := env.feed.Subscribe()
	defer cancelSub()

	require.NoError(t, env.engine.Ingest(context.Background(), env.seal("item-1", route.ID, simpleMessage())))

	env.requireState("item-1", models.StateDelivered)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	require.False(t, env.engine.RetryPending("item-1"))

	// A successful delivery touches the route.
	require.Eventually(t, func() bool {
		fetched, err := env.repo.GetByID(route.ID)
		return err == nil && fetched.LastUsedAt != 0
	}, 5*time.Second, 10*time.Millisecond)

	// The feed narrates the transitions.
	var sawDelivered bool
	deadline := time.After(2 * time.Second)
	for !sawDelivered {
		select {
		case event := <-events:
			if strings.Contains(event.Message, "Delivered item-1") {
				sawDelivered = true
			}
		case <-deadline:
			t.Fatal("never saw a delivered event on the feed")
		}
	}
}

func TestDuplicateIngestForwardsOnce(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t, time.Hour, time.Hour)
	route := env.addRoute(server.URL)
	env.start()

	item := env.seal("item-1", route.ID, simpleMessage())
	require.NoError(t, env.engine.Ingest(context.Background(), item))
	// The stream re-sends the same id after a reconnect.
	require.NoError(t, env.engine.Ingest(context.Background(), item))

	env.requireState("item-1", models.StateDelivered)

	// Give a hypothetical second attempt time to show up.
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))

	pending, err := env.engine.ListPending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestTransientFailureIsRetriedByTimer(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t, 20*time.Millisecond, 100*time.Millisecond)
	route := env.addRoute(server.URL)
	env.start()

	require.NoError(t, env.engine.Ingest(context.Background(), env.seal("item-1", route.ID, simpleMessage())))

	env.requireState("item-1", models.StateDelivered)
	require.GreaterOrEqual(t, atomic.LoadInt32(&hits), int32(3))
}

func TestUnreachableDestinationThenManualRetry(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Backoff far beyond the test horizon: only the manual retry can
	// advance the item.
	env := newTestEnv(t, time.Hour, time.Hour)
	route := env.addRoute(server.URL)
	env.start()

	require.NoError(t, env.engine.Ingest(context.Background(), env.seal("item-1", route.ID, simpleMessage())))
	env.requireState("item-1", models.StateUndelivered)
	require.True(t, env.engine.RetryPending("item-1"))

	failing.Store(false)
	require.NoError(t, env.engine.RequestRetry("item-1"))

	env.requireState("item-1", models.StateDelivered)
	require.False(t, env.engine.RetryPending("item-1"))
}

func TestDestinationRejectionIsNotAutoRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	env := newTestEnv(t, 10*time.Millisecond, 50*time.Millisecond)
	route := env.addRoute(server.URL)
	env.start()

	require.NoError(t, env.engine.Ingest(context.Background(), env.seal("item-1", route.ID, simpleMessage())))
	env.requireState("item-1", models.StateUndelivered)

	// No timer armed: short backoff would have fired many times by now.
	time.Sleep(150 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	require.False(t, env.engine.RetryPending("item-1"))

	item, err := env.store.Get("item-1")
	require.NoError(t, err)
	require.Contains(t, item.LastError, "422")

	// A manual retry is still allowed.
	require.NoError(t, env.engine.RequestRetry("item-1"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&hits) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDecryptFailureIsPermanent(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	env := newTestEnv(t, 10*time.Millisecond, 50*time.Millisecond)
	route := env.addRoute(server.URL)
	env.start()

	// Sealed under a key pair this agent does not hold.
	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	item := env.seal("item-1", route.ID, simpleMessage())
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &foreign.PublicKey, []byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)
	item.AES = base64.StdEncoding.EncodeToString(wrapped)

	require.NoError(t, env.engine.Ingest(context.Background(), item))
	env.requireState("item-1", models.StateUndelivered)

	time.Sleep(150 * time.Millisecond)
	require.False(t, env.engine.RetryPending("item-1"))
	require.Zero(t, atomic.LoadInt32(&hits), "plaintext must never reach the destination")

	item2, err := env.store.Get("item-1")
	require.NoError(t, err)
	require.Contains(t, item2.LastError, "decrypt")
}

func TestUnknownRouteIsPermanent(t *testing.T) {
	env := newTestEnv(t, 10*time.Millisecond, 50*time.Millisecond)
	env.start()

	require.NoError(t, env.engine.Ingest(context.Background(), env.seal("item-1", "no-such-route", simpleMessage())))
	env.requireState("item-1", models.StateUndelivered)

	time.Sleep(100 * time.Millisecond)
	require.False(t, env.engine.RetryPending("item-1"))
}

func TestRequestRetryOnDeliveredIsNoOp(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t, time.Hour, time.Hour)
	route := env.addRoute(server.URL)
	env.start()

	require.NoError(t, env.engine.Ingest(context.Background(), env.seal("item-1", route.ID, simpleMessage())))
	env.requireState("item-1", models.StateDelivered)

	require.NoError(t, env.engine.RequestRetry("item-1"))

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))

	item, err := env.store.Get("item-1")
	require.NoError(t, err)
	require.Equal(t, models.StateDelivered, item.State)
}

func TestRequestRetryUnknownItem(t *testing.T) {
	env := newTestEnv(t, time.Hour, time.Hour)
	env.start()

	require.ErrorIs(t, env.engine.RequestRetry("missing"), ledger.ErrNotFound)
}

func TestStartupReconciliation(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t, time.Hour, time.Hour)
	route := env.addRoute(server.URL)

	// Simulate a previous run that crashed mid-pipeline: one item never
	// decrypted, one failed a delivery attempt.
	_, err := env.store.Put(env.seal("item-encrypted", route.ID, simpleMessage()))
	require.NoError(t, err)
	_, err = env.store.Put(env.seal("item-undelivered", route.ID, simpleMessage()))
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateState("item-undelivered", models.StateUndelivered))

	// Restart: reconciliation alone must deliver both.
	env.start()

	env.requireState("item-encrypted", models.StateDelivered)
	env.requireState("item-undelivered", models.StateDelivered)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestDeleteDiscardsItemAndTimer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	env := newTestEnv(t, time.Hour, time.Hour)
	route := env.addRoute(server.URL)
	env.start()

	require.NoError(t, env.engine.Ingest(context.Background(), env.seal("item-1", route.ID, simpleMessage())))
	env.requireState("item-1", models.StateUndelivered)
	require.True(t, env.engine.RetryPending("item-1"))

	require.NoError(t, env.engine.Delete("item-1"))
	require.False(t, env.engine.RetryPending("item-1"))

	_, err := env.store.Get("item-1")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	require.ErrorIs(t, env.engine.Delete("item-1"), ledger.ErrNotFound)
}
