package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbo-22/familist/pkg/event"
	"github.com/bilbo-22/familist/pkg/model"
	"github.com/bilbo-22/familist/pkg/store"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded nats server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "familist.list.created", Subject("familist", event.ListCreated))
	assert.Equal(t, "x.list.order_updated", Subject("x", event.OrderUpdated))
	assert.Equal(t, "x.sync", Subject("x", event.Sync))
}

func TestRelayPublishesStoreEvents(t *testing.T) {
	url := startNATS(t)

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	var (
		mu  sync.Mutex
		got []event.Event
	)
	s, err := Subscribe(sub, "test", nil, func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)
	require.NoError(t, sub.Flush())
	defer func() { _ = s.Unsubscribe() }()

	r, err := Dial(url, "test", nil)
	require.NoError(t, err)
	defer r.Close()

	st, err := store.Open(store.Options{})
	require.NoError(t, err)
	st.AddSink(r)

	ctx := context.Background()
	require.NoError(t, st.CreateList(ctx, model.List{ID: "L1", Name: "Groceries"}))
	require.NoError(t, st.AddItem(ctx, model.Item{ID: "I1", ListID: "L1", Text: "Milk"}))
	require.NoError(t, st.DeleteList(ctx, "L1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, event.ListCreated, got[0].Name)
	assert.Equal(t, "Groceries", got[0].Data.(model.List).Name)
	assert.Equal(t, event.ItemAdded, got[1].Name)
	assert.Equal(t, event.ListDeleted, got[2].Name)
	assert.Equal(t, "L1", got[2].Data)
}
