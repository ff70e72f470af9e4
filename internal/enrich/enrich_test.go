package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-intake/internal/config"
	"document-intake/internal/models"
)

func TestWebhookPostsEvent(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		got <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second)
	require.NoError(t, wh.Trigger(context.Background(), Event{JobID: "j1", Kind: models.KindPair, Fingerprint: "fp"}))
	ev := <-got
	assert.Equal(t, "j1", ev.JobID)
	assert.Equal(t, models.KindPair, ev.Kind)
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Trigger(context.Background(), Event{JobID: "j1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRedisPublish(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "intake:enrich")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewRedisPublish(client, "intake:enrich").Trigger(ctx, Event{JobID: "j1"}))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "j1", ev.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestFromConfig(t *testing.T) {
	assert.IsType(t, Noop{}, FromConfig(config.Config{}, nil))
	assert.IsType(t, &Webhook{}, FromConfig(config.Config{EnrichWebhookURL: "http://x"}, nil))
	assert.IsType(t, Noop{}, FromConfig(config.Config{EnrichRedisChannel: "c"}, nil))
	assert.IsType(t, &RedisPublish{}, FromConfig(config.Config{EnrichRedisChannel: "c"}, redis.NewClient(&redis.Options{})))
}
