package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"nexus-agent/internal/domain"
)

type memMessages struct {
	mu        sync.Mutex
	convs     map[string]bool
	msgs      map[string][]domain.Message
	seq       int
	appendErr error
}

func newMemMessages(convIDs ...string) *memMessages {
	m := &memMessages{convs: map[string]bool{}, msgs: map[string][]domain.Message{}}
	for _, id := range convIDs {
		m.convs[id] = true
	}
	return m
}

func (m *memMessages) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return domain.Message{}, m.appendErr
	}
	if !m.convs[msg.ConversationID] {
		return domain.Message{}, domain.ErrNotFound
	}
	m.seq++
	msg.ID = fmt.Sprintf("msg-%03d", m.seq)
	msg.CreatedAt = time.Date(2026, 1, 1, 0, 0, m.seq, 0, time.UTC)
	m.msgs[msg.ConversationID] = append(m.msgs[msg.ConversationID], msg)
	return msg, nil
}

func (m *memMessages) History(_ context.Context, id string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.msgs[id]...), nil
}

func (m *memMessages) LastMessages(_ context.Context, id string, n int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.msgs[id]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]domain.Message(nil), all...), nil
}

func (m *memMessages) CountMessages(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs[id]), nil
}

func (m *memMessages) all(id string) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.msgs[id]...)
}

// memEscalations compares the whole head period on save, like the
// conditional write in the real stores.
type memEscalations struct {
	mu        sync.Mutex
	periods   map[string][]domain.EscalationPeriod
	conflicts int
	saves     int
}

func newMemEscalations() *memEscalations {
	return &memEscalations{periods: map[string][]domain.EscalationPeriod{}}
}

func (m *memEscalations) LatestEscalation(_ context.Context, id string) (*domain.EscalationPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head(id), nil
}

func (m *memEscalations) head(id string) *domain.EscalationPeriod {
	ps := m.periods[id]
	if len(ps) == 0 {
		return nil
	}
	newest := ps[0]
	for _, p := range ps[1:] {
		if p.StartDate.After(newest.StartDate) {
			newest = p
		}
	}
	return &newest
}

func (m *memEscalations) SaveEscalation(_ context.Context, next domain.EscalationPeriod, prev *domain.EscalationPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return domain.ErrConflict
	}
	head := m.head(next.ConversationID)
	switch {
	case prev == nil && head != nil:
		return domain.ErrConflict
	case prev != nil && (head == nil || *head != *prev):
		return domain.ErrConflict
	}
	m.saves++
	ps := m.periods[next.ConversationID]
	for i := range ps {
		if ps[i].ID == next.ID {
			ps[i] = next
			return nil
		}
	}
	m.periods[next.ConversationID] = append(ps, next)
	return nil
}

func (m *memEscalations) ListEscalations(_ context.Context, id string) ([]domain.EscalationPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.EscalationPeriod(nil), m.periods[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

type fakeDirectory struct {
	convs    map[string]domain.Conversation
	agents   map[string]domain.Agent
	links    map[string][]domain.KnowledgeLink
	accounts map[string]domain.WidgetAccount
	admins   map[string]domain.Administrator
	created  []domain.Conversation
	err      error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		convs:    map[string]domain.Conversation{},
		agents:   map[string]domain.Agent{},
		links:    map[string][]domain.KnowledgeLink{},
		accounts: map[string]domain.WidgetAccount{},
		admins:   map[string]domain.Administrator{},
	}
}

func (d *fakeDirectory) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	if d.err != nil {
		return domain.Conversation{}, d.err
	}
	c, ok := d.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (d *fakeDirectory) CreateConversation(_ context.Context, c domain.Conversation) (domain.Conversation, error) {
	if existing, ok := d.convs[c.ID]; ok {
		return existing, nil
	}
	d.convs[c.ID] = c
	d.created = append(d.created, c)
	return c, nil
}

func (d *fakeDirectory) GetAgent(_ context.Context, id string) (domain.Agent, error) {
	a, ok := d.agents[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return a, nil
}

func (d *fakeDirectory) KnowledgeLinks(_ context.Context, agentID string) ([]domain.KnowledgeLink, error) {
	return d.links[agentID], nil
}

func (d *fakeDirectory) GetWidgetAccount(_ context.Context, id string) (domain.WidgetAccount, error) {
	a, ok := d.accounts[id]
	if !ok {
		return domain.WidgetAccount{}, domain.ErrNotFound
	}
	return a, nil
}

func (d *fakeDirectory) GetAdministrator(_ context.Context, id string) (domain.Administrator, error) {
	a, ok := d.admins[id]
	if !ok {
		return domain.Administrator{}, domain.ErrNotFound
	}
	return a, nil
}

type retrieveCall struct {
	query     string
	agentID   string
	sourceIDs []string
	topK      int
}

type fakeRetriever struct {
	passages []domain.Passage
	err      error
	calls    []retrieveCall
}

func (f *fakeRetriever) Retrieve(_ context.Context, query, agentID string, sourceIDs []string, topK int) ([]domain.Passage, error) {
	f.calls = append(f.calls, retrieveCall{query: query, agentID: agentID, sourceIDs: sourceIDs, topK: topK})
	return f.passages, f.err
}

type spyGenerator struct {
	reply       string
	err         error
	calls       int
	lastHistory []domain.Message
	lastPassage []domain.Passage
}

func (s *spyGenerator) Generate(_ context.Context, _ domain.Agent, passages []domain.Passage, history []domain.Message, _ string) (string, error) {
	s.calls++
	s.lastHistory = history
	s.lastPassage = passages
	return s.reply, s.err
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("upstream status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

type recordingMetrics struct {
	mu      sync.Mutex
	turns   []string
	toggles []bool
}

func (m *recordingMetrics) TurnProcessed(path string, code ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, path+":"+string(code))
}

func (m *recordingMetrics) EscalationToggled(escalated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toggles = append(m.toggles, escalated)
}

var errBoom = errors.New("boom")

// tickingClock returns strictly increasing instants.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}
