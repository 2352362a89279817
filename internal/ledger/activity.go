package ledger

import (
	"sync"

	"github.com/learnverse/backend/internal/models"
)

// ActivityList holds the most recent ledger activities, newest first.
// Entries are only ever prepended; the tail is truncated at the cap.
type ActivityList struct {
	mu    sync.Mutex
	items []models.LedgerActivity
	limit int
}

func NewActivityList(limit int) *ActivityList {
	if limit <= 0 {
		limit = models.MaxLedgerActivities
	}
	return &ActivityList{limit: limit}
}

// Add prepends a. An entry already listed is ignored and Add returns false.
func (l *ActivityList) Add(a models.LedgerActivity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, it := range l.items {
		if sameActivity(it, a) {
			return false
		}
	}

	items := make([]models.LedgerActivity, 0, len(l.items)+1)
	items = append(items, a)
	items = append(items, l.items...)
	if len(items) > l.limit {
		items = items[:l.limit]
	}
	l.items = items
	return true
}

// Items returns a copy, newest first.
func (l *ActivityList) Items() []models.LedgerActivity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.LedgerActivity(nil), l.items...)
}

func (l *ActivityList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// sameActivity matches log entries by tx hash and log index. An entry settled
// from a receipt has no log index and matches a log of the same type in its tx.
func sameActivity(a, b models.LedgerActivity) bool {
	if a.TxHash == "" || a.TxHash != b.TxHash {
		return false
	}
	if a.LogIndex != nil && b.LogIndex != nil {
		return *a.LogIndex == *b.LogIndex
	}
	return a.Type == b.Type
}
