package indexer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/learnverse/backend/internal/events"
	"github.com/learnverse/backend/internal/ledger"
	"github.com/learnverse/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000C0DE1")
	alice        = common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
)

type fakeChain struct {
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

type memCursor struct {
	set  bool
	next uint64
}

func (c *memCursor) Load(_ context.Context, fallback uint64) (uint64, error) {
	if !c.set {
		return fallback, nil
	}
	return c.next, nil
}

func (c *memCursor) Save(_ context.Context, block uint64) error {
	c.set, c.next = true, block
	return nil
}

type memDedup map[string]bool

func (d memDedup) MarkProcessed(_ context.Context, key string) (bool, error) {
	if d[key] {
		return false, nil
	}
	d[key] = true
	return true, nil
}

func (d memDedup) Forget(_ context.Context, key string) error {
	delete(d, key)
	return nil
}

type recordingHandler struct {
	staked   []*ledger.StakedEvent
	claimed  []*ledger.ClaimedEvent
	failNext error
}

func (h *recordingHandler) HandleStaked(_ context.Context, ev *ledger.StakedEvent) error {
	h.staked = append(h.staked, ev)
	return nil
}

func (h *recordingHandler) HandleClaimed(_ context.Context, ev *ledger.ClaimedEvent) error {
	if h.failNext != nil {
		err := h.failNext
		h.failNext = nil
		return err
	}
	h.claimed = append(h.claimed, ev)
	return nil
}

func newContract(t *testing.T) *ledger.Contract {
	t.Helper()
	c, err := ledger.NewContract(contractAddr)
	require.NoError(t, err)
	return c
}

func stakedAt(t *testing.T, c *ledger.Contract, block uint64, index uint, tx string) types.Log {
	t.Helper()
	l, err := c.StakedLog(alice, big.NewInt(100), big.NewInt(7))
	require.NoError(t, err)
	l.BlockNumber, l.Index, l.TxHash = block, index, common.HexToHash(tx)
	return l
}

func claimedAt(t *testing.T, c *ledger.Contract, block uint64, index uint, tx string) types.Log {
	t.Helper()
	l, err := c.ClaimedLog(alice, common.HexToHash("0xfeed"), big.NewInt(5), big.NewInt(2))
	require.NoError(t, err)
	l.BlockNumber, l.Index, l.TxHash = block, index, common.HexToHash(tx)
	return l
}

func TestPollOnceProcessesInOrder(t *testing.T) {
	c := newContract(t)
	chain := &fakeChain{head: 20}
	chain.logs = []types.Log{
		claimedAt(t, c, 12, 0, "0x02"),
		stakedAt(t, c, 11, 3, "0x01"),
	}
	cursor := &memCursor{}
	h := &recordingHandler{}
	ix := New(chain, c, cursor, memDedup{}, h, Options{StartBlock: 10, BatchSize: 100, Confirmations: 2}, zap.NewNop())

	more, err := ix.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, more)

	require.Len(t, h.staked, 1)
	require.Len(t, h.claimed, 1)
	assert.Equal(t, alice, h.staked[0].Staker)
	assert.Equal(t, uint64(11), h.staked[0].Block)
	assert.Equal(t, common.HexToHash("0xfeed"), h.claimed[0].TxID)

	// head 20 - 2 confirmations => scanned up to 18
	assert.Equal(t, uint64(19), cursor.next)
	q := chain.queries[0]
	assert.Equal(t, uint64(10), q.FromBlock.Uint64())
	assert.Equal(t, uint64(18), q.ToBlock.Uint64())
	assert.Equal(t, []common.Address{contractAddr}, q.Addresses)
}

func TestPollOnceBatches(t *testing.T) {
	c := newContract(t)
	chain := &fakeChain{head: 100}
	cursor := &memCursor{}
	ix := New(chain, c, cursor, memDedup{}, &recordingHandler{}, Options{BatchSize: 40}, zap.NewNop())

	more, err := ix.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, uint64(40), cursor.next)

	_, _ = ix.PollOnce(context.Background())
	more, err = ix.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, uint64(101), cursor.next)

	// nothing new
	more, err = ix.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, chain.queries, 3)
}

func TestPollOnceSkipsDuplicatesAndRemoved(t *testing.T) {
	c := newContract(t)
	removed := stakedAt(t, c, 3, 1, "0x0b")
	removed.Removed = true
	chain := &fakeChain{head: 5, logs: []types.Log{stakedAt(t, c, 2, 0, "0x0a"), removed}}
	dedup := memDedup{}
	h := &recordingHandler{}

	ix := New(chain, c, &memCursor{}, dedup, h, Options{}, zap.NewNop())
	_, err := ix.PollOnce(context.Background())
	require.NoError(t, err)

	// повторный проход того же диапазона (например после сброса курсора)
	ix.cursor = &memCursor{}
	_, err = ix.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.staked, 1)
}

func TestPollOnceRetriesFailedHandler(t *testing.T) {
	c := newContract(t)
	chain := &fakeChain{head: 5, logs: []types.Log{claimedAt(t, c, 2, 0, "0x0c")}}
	cursor := &memCursor{}
	h := &recordingHandler{failNext: errors.New("db down")}
	ix := New(chain, c, cursor, memDedup{}, h, Options{}, zap.NewNop())

	_, err := ix.PollOnce(context.Background())
	require.Error(t, err)
	assert.False(t, cursor.set, "cursor advanced past a failed log")

	_, err = ix.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.claimed, 1)
	assert.Equal(t, uint64(6), cursor.next)
}

func TestPollOnceWaitsForConfirmations(t *testing.T) {
	c := newContract(t)
	chain := &fakeChain{head: 3}
	ix := New(chain, c, &memCursor{}, memDedup{}, &recordingHandler{}, Options{StartBlock: 5, Confirmations: 6}, zap.NewNop())

	more, err := ix.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, chain.queries)
}

// --- sink ---

type fakeMarker struct{ got []*ledger.ClaimedEvent }

func (f *fakeMarker) MarkClaimed(_ context.Context, ev *ledger.ClaimedEvent) error {
	f.got = append(f.got, ev)
	return nil
}

type fakeAudit struct{ entries []models.AuditLog }

func (f *fakeAudit) Log(_ context.Context, e models.AuditLog) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakePublisher struct {
	streams []string
	events  []events.Event
}

func (f *fakePublisher) Publish(_ context.Context, stream string, e events.Event) error {
	f.streams = append(f.streams, stream)
	f.events = append(f.events, e)
	return nil
}

func TestSink(t *testing.T) {
	marker, audit, pub := &fakeMarker{}, &fakeAudit{}, &fakePublisher{}
	sink := NewSink(marker, audit, pub, zap.NewNop())
	ctx := context.Background()

	oneToken := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	require.NoError(t, sink.HandleStaked(ctx, &ledger.StakedEvent{
		Staker: alice, Amount: oneToken, Reputation: big.NewInt(3), TxHash: common.HexToHash("0x01"), Block: 9,
	}))
	require.NoError(t, sink.HandleClaimed(ctx, &ledger.ClaimedEvent{
		Recipient: alice, TxID: common.HexToHash("0xfeed"), Amount: oneToken, ReputationPoints: big.NewInt(2),
	}))

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "reputation_staked", audit.entries[0].Action)
	assert.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", audit.entries[0].EntityID)
	require.Len(t, marker.got, 1)

	assert.Equal(t, []string{events.StreamLedger, events.StreamLedger}, pub.streams)
	assert.Equal(t, events.EventLedgerStaked, pub.events[0].Type)
	assert.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", pub.events[0].Address)
	assert.Equal(t, "1", pub.events[0].Payload["amount"])
	assert.Equal(t, events.EventLedgerRewardClaim, pub.events[1].Type)
}
