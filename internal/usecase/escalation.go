package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nexus-agent/internal/domain"
)

const toggleAttempts = 3

// EscalationStore persists escalation periods. SaveEscalation must fail with
// domain.ErrConflict when prev is no longer the newest period for the
// conversation (or, with prev == nil, when a period already exists).
type EscalationStore interface {
	LatestEscalation(ctx context.Context, conversationID string) (*domain.EscalationPeriod, error)
	SaveEscalation(ctx context.Context, next domain.EscalationPeriod, prev *domain.EscalationPeriod) error
	ListEscalations(ctx context.Context, conversationID string) ([]domain.EscalationPeriod, error)
}

// Tracker owns the Automated/Escalated state of every conversation.
type Tracker struct {
	store   EscalationStore
	locks   *keyedMutex
	log     *slog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewTracker(store EscalationStore, log *slog.Logger, metrics Metrics) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("usecase: escalation store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Tracker{
		store:   store,
		locks:   newKeyedMutex(),
		log:     log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (t *Tracker) IsEscalated(ctx context.Context, conversationID string) (bool, error) {
	p, err := t.store.LatestEscalation(ctx, conversationID)
	if err != nil {
		return false, newError(ErrorInternal, "escalation_read_error", err)
	}
	return p != nil && p.IsEscalated, nil
}

// Periods returns every escalation period of a conversation ordered by StartDate.
func (t *Tracker) Periods(ctx context.Context, conversationID string) ([]domain.EscalationPeriod, error) {
	periods, err := t.store.ListEscalations(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "escalation_read_error", err)
	}
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].StartDate.Before(periods[j].StartDate)
	})
	return periods, nil
}

// AssertNotEscalated guards the automated reply path.
func (t *Tracker) AssertNotEscalated(ctx context.Context, conversationID string) error {
	escalated, err := t.IsEscalated(ctx, conversationID)
	if err != nil {
		return err
	}
	if escalated {
		return newError(ErrorConversationEscalated, "conversation_escalated", nil)
	}
	return nil
}

// AssertEscalated guards the administrator reply path.
func (t *Tracker) AssertEscalated(ctx context.Context, conversationID string) error {
	escalated, err := t.IsEscalated(ctx, conversationID)
	if err != nil {
		return err
	}
	if !escalated {
		return newError(ErrorConversationNotEscalated, "conversation_not_escalated", nil)
	}
	return nil
}

// Toggle flips the escalation state of a conversation. The newest period is
// reused when nothing was said since it was last toggled or while it is still
// escalated; otherwise a new escalated period starts at the current watermark.
func (t *Tracker) Toggle(ctx context.Context, conversationID string, currentMessageCount int) (domain.EscalationPeriod, error) {
	unlock := t.locks.Lock(conversationID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < toggleAttempts; attempt++ {
		prev, err := t.store.LatestEscalation(ctx, conversationID)
		if err != nil {
			return domain.EscalationPeriod{}, newError(ErrorInternal, "escalation_read_error", err)
		}
		next := nextPeriod(prev, conversationID, currentMessageCount, t.now())
		err = t.store.SaveEscalation(ctx, next, prev)
		if err == nil {
			if next.IsEscalated {
				t.log.Info("conversation escalated", "conversation_id", conversationID, "period_id", next.ID, "last_message_index", next.LastMessageIndex)
			} else {
				t.log.Info("conversation de-escalated", "conversation_id", conversationID, "period_id", next.ID, "last_message_index", next.LastMessageIndex)
			}
			t.metrics.EscalationToggled(next.IsEscalated)
			return next, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.EscalationPeriod{}, newError(ErrorInternal, "escalation_write_error", err)
		}
		lastErr = err
		t.log.Warn("escalation toggle lost a concurrent write, retrying", "conversation_id", conversationID, "attempt", attempt+1)
	}
	return domain.EscalationPeriod{}, newError(ErrorConflict, "escalation_conflict", lastErr)
}

func nextPeriod(prev *domain.EscalationPeriod, conversationID string, currentMessageCount int, now time.Time) domain.EscalationPeriod {
	watermark := currentMessageCount - 1
	if prev != nil && (watermark == prev.LastMessageIndex || prev.IsEscalated) {
		next := *prev
		next.IsEscalated = !prev.IsEscalated
		next.LastMessageIndex = watermark
		return next
	}
	return domain.EscalationPeriod{
		ID:               newUUID(),
		ConversationID:   conversationID,
		LastMessageIndex: watermark,
		IsEscalated:      true,
		StartDate:        now,
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
