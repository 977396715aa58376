package exchange

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocalFanOut(t *testing.T) {
	ex := NewExchange(zap.NewNop())
	defer ex.Close()

	sub := ex.Subscribe("room=abc")
	defer sub.Close()

	require.NoError(t, ex.Publish("room=abc", map[string]string{"hello": "world"}))

	select {
	case msg := <-sub.Messages:
		assert.Equal(t, "room=abc", msg.RoutingKey)
		assert.JSONEq(t, `{"hello":"world"}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("expected to receive a message")
	}
}

func TestUnmatchedRoutingKeyIsNotDelivered(t *testing.T) {
	ex := NewExchange(zap.NewNop())
	defer ex.Close()

	sub := ex.Subscribe("room=abc")
	defer sub.Close()

	require.NoError(t, ex.Publish("room=other", "noise"))

	select {
	case <-sub.Messages:
		t.Fatal("should not have received a message for a different routing key")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDropSubscriberStopsDelivery(t *testing.T) {
	ex := NewExchange(zap.NewNop())
	defer ex.Close()

	sub := ex.Subscribe("room=abc")
	sub.Close()

	// Give the actor a moment to process the drop command before asserting the channel closes.
	select {
	case _, ok := <-sub.Messages:
		assert.False(t, ok, "channel should be closed after Subscription.Close")
	case <-time.After(time.Second):
		t.Fatal("expected subscriber channel to close")
	}
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisMirroringAcrossControllers(t *testing.T) {
	client, _ := newTestRedis(t)

	a := NewExchangeWithRedis(zap.NewNop(), client)
	defer a.Close()
	b := NewExchangeWithRedis(zap.NewNop(), client)
	defer b.Close()

	// Give the Redis subscription goroutines time to establish before publishing.
	time.Sleep(100 * time.Millisecond)

	subB := b.Subscribe("room=xyz")
	defer subB.Close()

	require.NoError(t, a.Publish("room=xyz", "from-a"))

	select {
	case msg := <-subB.Messages:
		assert.Equal(t, "room=xyz", msg.RoutingKey)
		assert.JSONEq(t, `"from-a"`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("expected controller b to receive controller a's publish via redis")
	}
}

func TestRedisEchoSuppression(t *testing.T) {
	client, _ := newTestRedis(t)

	a := NewExchangeWithRedis(zap.NewNop(), client)
	defer a.Close()

	time.Sleep(100 * time.Millisecond)

	subA := a.Subscribe("room=xyz")
	defer subA.Close()

	require.NoError(t, a.Publish("room=xyz", "from-a"))

	// The local fan-out delivers this once immediately; the mirrored copy coming back from
	// Redis must be suppressed rather than delivered a second time.
	select {
	case <-subA.Messages:
	case <-time.After(time.Second):
		t.Fatal("expected the local publish to be delivered once")
	}

	select {
	case msg := <-subA.Messages:
		t.Fatalf("received an unexpected echoed message: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}
