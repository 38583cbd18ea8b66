package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"nexus-agent/internal/domain"
)

const (
	retrievalTopK = 2

	pathCustomer = "customer_agent"
	pathAdmin    = "admin_customer"
)

// MessageStore is the append-only conversation log.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	History(ctx context.Context, conversationID string) ([]domain.Message, error)
	LastMessages(ctx context.Context, conversationID string, n int) ([]domain.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// Directory resolves the entities a turn refers to. Lookups return
// domain.ErrNotFound for missing rows.
type Directory interface {
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error)
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	KnowledgeLinks(ctx context.Context, agentID string) ([]domain.KnowledgeLink, error)
	GetWidgetAccount(ctx context.Context, id string) (domain.WidgetAccount, error)
	GetAdministrator(ctx context.Context, id string) (domain.Administrator, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query, agentID string, sourceIDs []string, topK int) ([]domain.Passage, error)
}

type Generator interface {
	Generate(ctx context.Context, agent domain.Agent, passages []domain.Passage, history []domain.Message, query string) (string, error)
}

// Router dispatches a turn to the customer↔agent or admin↔customer path
// depending on who is calling. It never changes escalation state on its own.
type Router struct {
	store     MessageStore
	dir       Directory
	tracker   *Tracker
	retriever Retriever
	gen       Generator
	log       *slog.Logger
	metrics   Metrics
	now       func() time.Time
}

type TurnInput struct {
	ConversationID string
	CallerID       string
	Query          string
	Response       string
}

type TurnOutput struct {
	UserQuery string
	Response  string
}

func NewRouter(store MessageStore, dir Directory, tracker *Tracker, retriever Retriever, gen Generator, log *slog.Logger, metrics Metrics) (*Router, error) {
	if store == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if dir == nil {
		return nil, errors.New("usecase: directory must not be nil")
	}
	if tracker == nil {
		return nil, errors.New("usecase: escalation tracker must not be nil")
	}
	if retriever == nil {
		return nil, errors.New("usecase: retriever must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Router{
		store:     store,
		dir:       dir,
		tracker:   tracker,
		retriever: retriever,
		gen:       gen,
		log:       log,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

type callerKind int

const (
	callerCustomer callerKind = iota + 1
	callerAdmin
)

func (r *Router) ProcessTurn(ctx context.Context, in TurnInput) (out TurnOutput, err error) {
	conv, err := r.conversation(ctx, in.ConversationID)
	if err != nil {
		return TurnOutput{}, err
	}
	kind, err := r.resolveCaller(ctx, strings.TrimSpace(in.CallerID))
	if err != nil {
		r.log.Warn("turn rejected", "conversation_id", conv.ID, "err", err)
		return TurnOutput{}, err
	}

	switch kind {
	case callerCustomer:
		defer func() { r.metrics.TurnProcessed(pathCustomer, codeOrEmpty(err)) }()
		return r.customerTurn(ctx, conv, strings.TrimSpace(in.CallerID), in.Query)
	case callerAdmin:
		defer func() { r.metrics.TurnProcessed(pathAdmin, codeOrEmpty(err)) }()
		return r.adminTurn(ctx, conv, strings.TrimSpace(in.CallerID), in.Response)
	default:
		return TurnOutput{}, newError(ErrorForbidden, "ambiguous_caller", nil)
	}
}

// resolveCaller requires the caller to be exactly one of a widget account or
// an administrator.
func (r *Router) resolveCaller(ctx context.Context, callerID string) (callerKind, error) {
	if callerID == "" {
		return 0, newError(ErrorForbidden, "ambiguous_caller", nil)
	}
	_, err := r.dir.GetWidgetAccount(ctx, callerID)
	isAccount, err := present(err)
	if err != nil {
		return 0, newError(ErrorInternal, "account_lookup_error", err)
	}
	_, err = r.dir.GetAdministrator(ctx, callerID)
	isAdmin, err := present(err)
	if err != nil {
		return 0, newError(ErrorInternal, "admin_lookup_error", err)
	}
	switch {
	case isAccount && !isAdmin:
		return callerCustomer, nil
	case isAdmin && !isAccount:
		return callerAdmin, nil
	default:
		return 0, newError(ErrorForbidden, "ambiguous_caller", nil)
	}
}

func (r *Router) customerTurn(ctx context.Context, conv domain.Conversation, accountID, query string) (TurnOutput, error) {
	if conv.AccountID != accountID {
		return TurnOutput{}, newError(ErrorForbidden, "not_conversation_account", nil)
	}
	agent, err := r.agent(ctx, conv.AgentID)
	if err != nil {
		return TurnOutput{}, err
	}
	if !agent.Activated {
		return TurnOutput{}, newError(ErrorAgentUnavailable, "agent_deactivated", nil)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_query", nil)
	}

	stored, err := r.append(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleCustomer,
		Content:        query,
		SenderID:       accountID,
		AgentID:        agent.ID,
	})
	if err != nil {
		return TurnOutput{}, err
	}

	// The customer message stays stored even when an administrator owns the
	// conversation; the admin answers it from the transcript.
	if err := r.tracker.AssertNotEscalated(ctx, conv.ID); err != nil {
		return TurnOutput{}, err
	}

	sourceIDs, err := r.sourceIDs(ctx, agent.ID)
	if err != nil {
		return TurnOutput{}, err
	}
	passages, err := r.retriever.Retrieve(ctx, query, agent.ID, sourceIDs, retrievalTopK)
	if err != nil {
		return TurnOutput{}, newError(ErrorRetrievalFailed, "retrieval_error", err)
	}

	recent, err := r.store.LastMessages(ctx, conv.ID, historyTurns+1)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "history_read_error", err)
	}
	history := make([]domain.Message, 0, len(recent))
	for _, m := range recent {
		if m.ID != stored.ID {
			history = append(history, m)
		}
	}

	reply, err := r.gen.Generate(ctx, agent, passages, history, query)
	if err != nil {
		r.log.Error("response generation failed", "conversation_id", conv.ID, "agent_id", agent.ID, "err", err)
		return TurnOutput{}, err
	}

	if _, err := r.append(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAgent,
		Content:        reply,
		SenderID:       agent.ID,
		AgentID:        agent.ID,
	}); err != nil {
		return TurnOutput{}, err
	}
	return TurnOutput{UserQuery: query, Response: reply}, nil
}

func (r *Router) adminTurn(ctx context.Context, conv domain.Conversation, adminID, response string) (TurnOutput, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_response", nil)
	}
	agent, err := r.ownedAgent(ctx, conv, adminID)
	if err != nil {
		return TurnOutput{}, err
	}
	if err := r.tracker.AssertEscalated(ctx, conv.ID); err != nil {
		return TurnOutput{}, err
	}
	if _, err := r.append(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAdmin,
		Content:        response,
		SenderID:       adminID,
		AgentID:        agent.ID,
	}); err != nil {
		return TurnOutput{}, err
	}
	return TurnOutput{Response: response}, nil
}

// StartConversation opens a text conversation between a widget account and a
// chatbot agent.
func (r *Router) StartConversation(ctx context.Context, accountID, agentID string) (domain.Conversation, error) {
	accountID = strings.TrimSpace(accountID)
	_, err := r.dir.GetWidgetAccount(ctx, accountID)
	ok, err := present(err)
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "account_lookup_error", err)
	}
	if !ok {
		return domain.Conversation{}, newError(ErrorForbidden, "unknown_account", nil)
	}
	agent, err := r.agent(ctx, strings.TrimSpace(agentID))
	if err != nil {
		return domain.Conversation{}, err
	}
	if agent.Type != domain.AgentChatbot {
		return domain.Conversation{}, newError(ErrorInvalidInput, "unsupported_agent_type", nil)
	}
	conv, err := r.dir.CreateConversation(ctx, domain.Conversation{
		ID:        newUUID(),
		AgentID:   agent.ID,
		AccountID: accountID,
		Channel:   domain.ChannelText,
		CreatedAt: r.now(),
	})
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_write_error", err)
	}
	r.log.Info("conversation started", "conversation_id", conv.ID, "agent_id", agent.ID)
	return conv, nil
}

// ToggleEscalation hands a conversation to its administrator, or back to the
// agent when it is already escalated.
func (r *Router) ToggleEscalation(ctx context.Context, conversationID, adminID string) (domain.EscalationPeriod, error) {
	conv, err := r.conversation(ctx, conversationID)
	if err != nil {
		return domain.EscalationPeriod{}, err
	}
	if _, err := r.ownedAgent(ctx, conv, strings.TrimSpace(adminID)); err != nil {
		return domain.EscalationPeriod{}, err
	}
	count, err := r.store.CountMessages(ctx, conv.ID)
	if err != nil {
		return domain.EscalationPeriod{}, newError(ErrorInternal, "message_count_error", err)
	}
	return r.tracker.Toggle(ctx, conv.ID, count)
}

// TranscriptEntry is either a stored message or an escalation marker.
type TranscriptEntry struct {
	At         time.Time
	Message    *domain.Message
	Escalation *domain.EscalationPeriod
}

// Transcript is the administrator view of a conversation: every message plus
// the escalation periods, merged in time order. Markers are derived and never
// stored as messages.
func (r *Router) Transcript(ctx context.Context, conversationID, adminID string) ([]TranscriptEntry, error) {
	conv, err := r.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := r.ownedAgent(ctx, conv, strings.TrimSpace(adminID)); err != nil {
		return nil, err
	}
	msgs, err := r.store.History(ctx, conv.ID)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	periods, err := r.tracker.Periods(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]TranscriptEntry, 0, len(msgs)+len(periods))
	for i := range msgs {
		entries = append(entries, TranscriptEntry{At: msgs[i].CreatedAt, Message: &msgs[i]})
	}
	for i := range periods {
		entries = append(entries, TranscriptEntry{At: periods[i].StartDate, Escalation: &periods[i]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})
	return entries, nil
}

func (r *Router) conversation(ctx context.Context, id string) (domain.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	conv, err := r.dir.GetConversation(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_lookup_error", err)
	}
	return conv, nil
}

func (r *Router) agent(ctx context.Context, id string) (domain.Agent, error) {
	agent, err := r.dir.GetAgent(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Agent{}, newError(ErrorNotFound, "agent_not_found", err)
	}
	if err != nil {
		return domain.Agent{}, newError(ErrorInternal, "agent_lookup_error", err)
	}
	return agent, nil
}

func (r *Router) ownedAgent(ctx context.Context, conv domain.Conversation, adminID string) (domain.Agent, error) {
	agent, err := r.agent(ctx, conv.AgentID)
	if err != nil {
		return domain.Agent{}, err
	}
	if adminID == "" || agent.OwnerID != adminID {
		return domain.Agent{}, newError(ErrorForbidden, "not_agent_owner", nil)
	}
	return agent, nil
}

func (r *Router) sourceIDs(ctx context.Context, agentID string) ([]string, error) {
	links, err := r.dir.KnowledgeLinks(ctx, agentID)
	if err != nil {
		return nil, newError(ErrorInternal, "knowledge_link_error", err)
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.KnowledgeBaseID)
	}
	return ids, nil
}

func (r *Router) append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	stored, err := r.store.AppendMessage(ctx, msg)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Message{}, newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return domain.Message{}, newError(ErrorInternal, "message_write_error", err)
	}
	return stored, nil
}

// present turns a lookup error into an existence flag.
func present(err error) (bool, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func codeOrEmpty(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return CodeOf(err)
}

var newUUID = func() string {
	return uuid.NewString()
}
