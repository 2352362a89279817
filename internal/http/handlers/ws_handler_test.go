package handlers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/events"
	"go.uber.org/zap"
)

const hubAddr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type streamSubscriber struct {
	mu       sync.Mutex
	handlers map[string]func(events.Event)
}

func (s *streamSubscriber) Subscribe(_ context.Context, stream string, handler func(events.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string]func(events.Event))
	}
	s.handlers[stream] = handler
	return nil
}

// recordingConn fails the test when two writes overlap.
type recordingConn struct {
	inflight atomic.Int32
	overlap  atomic.Bool
	writes   int
}

func (c *recordingConn) WriteMessage(_ int, _ []byte) error {
	if c.inflight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	c.writes++
	time.Sleep(time.Microsecond)
	c.inflight.Add(-1)
	return nil
}

func TestWSHubSerialisesWritesAcrossStreams(t *testing.T) {
	sub := &streamSubscriber{}
	hub := NewWSHub(&config.Config{}, sub, zap.NewNop())
	hub.Start(context.Background())

	if len(sub.handlers) != 2 {
		t.Fatalf("expected wallet and ledger subscriptions, got %d", len(sub.handlers))
	}

	conn := &recordingConn{}
	client := hub.register(hubAddr, conn)

	const perStream = 500
	var wg sync.WaitGroup
	for stream, handler := range sub.handlers {
		wg.Add(1)
		go func(stream string, handler func(events.Event)) {
			defer wg.Done()
			for i := 0; i < perStream; i++ {
				handler(events.NewWalletEvent(stream, hubAddr, nil))
			}
		}(stream, handler)
	}
	wg.Wait()

	if conn.overlap.Load() {
		t.Fatal("concurrent writes on one connection")
	}
	if conn.writes != 2*perStream {
		t.Errorf("writes = %d, want %d", conn.writes, 2*perStream)
	}

	hub.unregister(hubAddr, client)
	if n := hub.Connections(hubAddr); n != 0 {
		t.Errorf("connections after unregister = %d", n)
	}
}

func TestWSHubDispatchRouting(t *testing.T) {
	hub := NewWSHub(&config.Config{}, &streamSubscriber{}, zap.NewNop())
	mine := &recordingConn{}
	hub.register(hubAddr, mine)

	hub.Dispatch(events.NewWalletEvent(events.EventWalletVerified, "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", nil))
	hub.Dispatch(events.Event{Type: events.EventWalletVerified})
	hub.Dispatch(events.NewWalletEvent(events.EventLedgerStaked, hubAddr, nil))

	if mine.writes != 1 {
		t.Errorf("writes = %d, want 1", mine.writes)
	}
	if n := hub.Connections("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED"); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}
