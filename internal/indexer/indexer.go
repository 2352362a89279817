// Package indexer follows ledger contract events and applies them to the
// server state: claimed rewards, stake audit records and live events.
package indexer

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/learnverse/backend/internal/ledger"
	"go.uber.org/zap"
)

type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Cursor хранит следующий блок для сканирования.
type Cursor interface {
	Load(ctx context.Context, fallback uint64) (uint64, error)
	Save(ctx context.Context, block uint64) error
}

type Deduper interface {
	MarkProcessed(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type Handler interface {
	HandleStaked(ctx context.Context, ev *ledger.StakedEvent) error
	HandleClaimed(ctx context.Context, ev *ledger.ClaimedEvent) error
}

type Options struct {
	StartBlock    uint64
	BatchSize     uint64
	Confirmations uint64
}

type Indexer struct {
	reader   ChainReader
	contract *ledger.Contract
	cursor   Cursor
	dedup    Deduper
	handler  Handler
	opts     Options
	log      *zap.Logger
}

func New(reader ChainReader, contract *ledger.Contract, cursor Cursor, dedup Deduper, handler Handler, opts Options, log *zap.Logger) *Indexer {
	if opts.BatchSize == 0 {
		opts.BatchSize = 2000
	}
	return &Indexer{
		reader:   reader,
		contract: contract,
		cursor:   cursor,
		dedup:    dedup,
		handler:  handler,
		opts:     opts,
		log:      log,
	}
}

// PollOnce scans one batch of confirmed blocks. more reports whether
// confirmed blocks remain past the batch.
func (ix *Indexer) PollOnce(ctx context.Context) (more bool, err error) {
	next, err := ix.cursor.Load(ctx, ix.opts.StartBlock)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	head, err := ix.reader.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("get head: %w", err)
	}
	if head < ix.opts.Confirmations {
		return false, nil
	}
	safe := head - ix.opts.Confirmations
	if next > safe {
		return false, nil
	}
	to := next + ix.opts.BatchSize - 1
	if to > safe {
		to = safe
	}

	logs, err := ix.reader.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{ix.contract.Address},
		Topics:    [][]common.Hash{{ix.contract.StakedTopic(), ix.contract.ClaimedTopic()}},
	})
	if err != nil {
		return false, fmt.Errorf("filter logs %d-%d: %w", next, to, err)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, l := range logs {
		if l.Removed || len(l.Topics) == 0 {
			continue
		}
		if err := ix.apply(ctx, l); err != nil {
			return false, err
		}
	}

	if err := ix.cursor.Save(ctx, to+1); err != nil {
		return false, fmt.Errorf("save cursor: %w", err)
	}
	if len(logs) > 0 {
		ix.log.Info("ledger logs processed",
			zap.Uint64("from", next),
			zap.Uint64("to", to),
			zap.Int("count", len(logs)),
		)
	}
	return to < safe, nil
}

// apply обрабатывает лог ровно один раз. При ошибке отметка снимается,
// а курсор не двигается.
func (ix *Indexer) apply(ctx context.Context, l types.Log) error {
	key := fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index)
	first, err := ix.dedup.MarkProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("mark %s: %w", key, err)
	}
	if !first {
		return nil
	}

	var handleErr error
	switch l.Topics[0] {
	case ix.contract.StakedTopic():
		ev, err := ix.contract.DecodeStaked(l)
		if err != nil {
			ix.log.Warn("undecodable stake log", zap.String("tx", l.TxHash.Hex()), zap.Error(err))
			return nil
		}
		handleErr = ix.handler.HandleStaked(ctx, ev)
	case ix.contract.ClaimedTopic():
		ev, err := ix.contract.DecodeClaimed(l)
		if err != nil {
			ix.log.Warn("undecodable claim log", zap.String("tx", l.TxHash.Hex()), zap.Error(err))
			return nil
		}
		handleErr = ix.handler.HandleClaimed(ctx, ev)
	}

	if handleErr != nil {
		_ = ix.dedup.Forget(ctx, key)
		return fmt.Errorf("handle %s: %w", key, handleErr)
	}
	return nil
}

// Run polls until ctx is done, draining backlog without waiting.
func (ix *Indexer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		more, err := ix.PollOnce(ctx)
		if err != nil {
			ix.log.Error("poll cycle failed", zap.Error(err))
		}
		if more && err == nil {
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
