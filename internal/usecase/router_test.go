package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus-agent/internal/domain"
)

type routerFixture struct {
	router    *Router
	messages  *memMessages
	escal     *memEscalations
	dir       *fakeDirectory
	retriever *fakeRetriever
	gen       *spyGenerator
	tracker   *Tracker
	metrics   *recordingMetrics
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		messages:  newMemMessages("conv-1"),
		escal:     newMemEscalations(),
		dir:       newFakeDirectory(),
		retriever: &fakeRetriever{passages: []domain.Passage{{SourceID: "kb-1", Content: "We open at 9am.", Score: 0.9}}},
		gen:       &spyGenerator{reply: "We open at 9am."},
		metrics:   &recordingMetrics{},
	}
	f.dir.convs["conv-1"] = domain.Conversation{ID: "conv-1", AgentID: "agent-1", AccountID: "acct-1", Channel: domain.ChannelText}
	f.dir.agents["agent-1"] = domain.Agent{ID: "agent-1", OwnerID: "admin-1", Name: "Ava", Type: domain.AgentChatbot, Activated: true}
	f.dir.links["agent-1"] = []domain.KnowledgeLink{{AgentID: "agent-1", KnowledgeBaseID: "kb-1"}}
	f.dir.accounts["acct-1"] = domain.WidgetAccount{ID: "acct-1", Name: "Sam"}
	f.dir.admins["admin-1"] = domain.Administrator{ID: "admin-1", Name: "Ola", Email: "ola@example.com"}

	f.tracker = newTestTracker(t, f.escal, f.metrics)
	r, err := NewRouter(f.messages, f.dir, f.tracker, f.retriever, f.gen, nil, f.metrics)
	require.NoError(t, err)
	f.router = r
	return f
}

func TestNewRouter_ValidatesDependencies(t *testing.T) {
	f := newRouterFixture(t)
	_, err := NewRouter(nil, f.dir, f.tracker, f.retriever, f.gen, nil, nil)
	require.Error(t, err)
	_, err = NewRouter(f.messages, f.dir, nil, f.retriever, f.gen, nil, nil)
	require.Error(t, err)
	_, err = NewRouter(f.messages, f.dir, f.tracker, f.retriever, nil, nil, nil)
	require.Error(t, err)
}

func TestProcessTurn_CustomerHappyPath(t *testing.T) {
	f := newRouterFixture(t)

	out, err := f.router.ProcessTurn(context.Background(), TurnInput{
		ConversationID: "conv-1",
		CallerID:       "acct-1",
		Query:          "  When do you open?  ",
	})
	require.NoError(t, err)
	require.Equal(t, "When do you open?", out.UserQuery)
	require.Equal(t, "We open at 9am.", out.Response)

	msgs := f.messages.all("conv-1")
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleCustomer, msgs[0].Role)
	require.Equal(t, "acct-1", msgs[0].SenderID)
	require.Equal(t, domain.RoleAgent, msgs[1].Role)
	require.Equal(t, "We open at 9am.", msgs[1].Content)
	require.False(t, msgs[1].CreatedAt.Before(msgs[0].CreatedAt))

	require.Len(t, f.retriever.calls, 1)
	require.Equal(t, []string{"kb-1"}, f.retriever.calls[0].sourceIDs)
	require.Equal(t, 2, f.retriever.calls[0].topK)
	require.Equal(t, 1, f.gen.calls)
	require.Empty(t, f.gen.lastHistory)
	require.Len(t, f.gen.lastPassage, 1)
	require.Equal(t, []string{"customer_agent:"}, f.metrics.turns)
}

func TestProcessTurn_HistoryExcludesCurrentQuery(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.router.ProcessTurn(ctx, TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "hello"})
		require.NoError(t, err)
	}

	require.Len(t, f.gen.lastHistory, historyTurns)
	for _, m := range f.gen.lastHistory {
		require.NotEqual(t, "msg-007", m.ID)
	}
}

func TestProcessTurn_EscalatedStoresQueryWithoutGenerating(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	_, err := f.tracker.Toggle(ctx, "conv-1", 0)
	require.NoError(t, err)

	_, err = f.router.ProcessTurn(ctx, TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "anyone there?"})
	require.True(t, IsCode(err, ErrorConversationEscalated))

	msgs := f.messages.all("conv-1")
	require.Len(t, msgs, 1)
	require.Equal(t, domain.RoleCustomer, msgs[0].Role)
	require.Equal(t, 0, f.gen.calls)
	require.Empty(t, f.retriever.calls)
}

func TestProcessTurn_AdminRepliesWhenEscalated(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	_, err := f.tracker.Toggle(ctx, "conv-1", 0)
	require.NoError(t, err)

	out, err := f.router.ProcessTurn(ctx, TurnInput{ConversationID: "conv-1", CallerID: "admin-1", Response: "Hi, Ola here."})
	require.NoError(t, err)
	require.Equal(t, "Hi, Ola here.", out.Response)

	msgs := f.messages.all("conv-1")
	require.Len(t, msgs, 1)
	require.Equal(t, domain.RoleAdmin, msgs[0].Role)
	require.Equal(t, "admin-1", msgs[0].SenderID)
	require.Equal(t, 0, f.gen.calls)
}

func TestProcessTurn_AdminOnAutomatedConversationStoresNothing(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.ProcessTurn(context.Background(), TurnInput{ConversationID: "conv-1", CallerID: "admin-1", Response: "hello"})
	require.True(t, IsCode(err, ErrorConversationNotEscalated))
	require.Empty(t, f.messages.all("conv-1"))
	require.Equal(t, []string{"admin_customer:CONVERSATION_NOT_ESCALATED"}, f.metrics.turns)
}

func TestProcessTurn_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *routerFixture)
		in     TurnInput
		code   ErrorCode
		reason string
	}{
		{
			name: "unknown conversation",
			in:   TurnInput{ConversationID: "nope", CallerID: "acct-1", Query: "hi"},
			code: ErrorNotFound, reason: "conversation_not_found",
		},
		{
			name: "caller is neither",
			in:   TurnInput{ConversationID: "conv-1", CallerID: "stranger", Query: "hi"},
			code: ErrorForbidden, reason: "ambiguous_caller",
		},
		{
			name: "caller is both",
			setup: func(f *routerFixture) {
				f.dir.admins["acct-1"] = domain.Administrator{ID: "acct-1"}
			},
			in:   TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "hi"},
			code: ErrorForbidden, reason: "ambiguous_caller",
		},
		{
			name: "other account",
			setup: func(f *routerFixture) {
				f.dir.accounts["acct-2"] = domain.WidgetAccount{ID: "acct-2"}
			},
			in:   TurnInput{ConversationID: "conv-1", CallerID: "acct-2", Query: "hi"},
			code: ErrorForbidden, reason: "not_conversation_account",
		},
		{
			name: "deactivated agent",
			setup: func(f *routerFixture) {
				a := f.dir.agents["agent-1"]
				a.Activated = false
				f.dir.agents["agent-1"] = a
			},
			in:   TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "hi"},
			code: ErrorAgentUnavailable, reason: "agent_deactivated",
		},
		{
			name: "empty query",
			in:   TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "   "},
			code: ErrorInvalidInput, reason: "empty_query",
		},
		{
			name: "empty admin response",
			in:   TurnInput{ConversationID: "conv-1", CallerID: "admin-1", Response: ""},
			code: ErrorInvalidInput, reason: "empty_response",
		},
		{
			name: "admin does not own agent",
			setup: func(f *routerFixture) {
				f.dir.admins["admin-2"] = domain.Administrator{ID: "admin-2"}
			},
			in:   TurnInput{ConversationID: "conv-1", CallerID: "admin-2", Response: "hello"},
			code: ErrorForbidden, reason: "not_agent_owner",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.router.ProcessTurn(context.Background(), tt.in)
			var ucErr *Error
			require.ErrorAs(t, err, &ucErr)
			require.Equal(t, tt.code, ucErr.Code)
			require.Equal(t, tt.reason, ucErr.Reason)
			require.Empty(t, f.messages.all("conv-1"))
			require.Equal(t, 0, f.gen.calls)
		})
	}
}

func TestProcessTurn_GenerationFailureKeepsOnlyCustomerMessage(t *testing.T) {
	f := newRouterFixture(t)
	f.gen.err = newError(ErrorGenerationFailed, "generation_error", errBoom)

	_, err := f.router.ProcessTurn(context.Background(), TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "hi"})
	require.True(t, IsCode(err, ErrorGenerationFailed))

	msgs := f.messages.all("conv-1")
	require.Len(t, msgs, 1)
	require.Equal(t, domain.RoleCustomer, msgs[0].Role)
}

func TestProcessTurn_RetrievalFailure(t *testing.T) {
	f := newRouterFixture(t)
	f.retriever.err = errBoom

	_, err := f.router.ProcessTurn(context.Background(), TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "hi"})
	require.True(t, IsCode(err, ErrorRetrievalFailed))
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 0, f.gen.calls)
}

func TestProcessTurn_AppendNotFoundMapsToNotFound(t *testing.T) {
	f := newRouterFixture(t)
	f.messages.appendErr = domain.ErrNotFound

	_, err := f.router.ProcessTurn(context.Background(), TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "hi"})
	require.True(t, IsCode(err, ErrorNotFound))
}

func TestStartConversation(t *testing.T) {
	f := newRouterFixture(t)
	orig := newUUID
	newUUID = func() string { return "conv-new" }
	t.Cleanup(func() { newUUID = orig })

	conv, err := f.router.StartConversation(context.Background(), "acct-1", "agent-1")
	require.NoError(t, err)
	require.Equal(t, "conv-new", conv.ID)
	require.Equal(t, "agent-1", conv.AgentID)
	require.Equal(t, "acct-1", conv.AccountID)
	require.Equal(t, domain.ChannelText, conv.Channel)
	require.Len(t, f.dir.created, 1)
}

func TestStartConversation_Rejections(t *testing.T) {
	f := newRouterFixture(t)
	f.dir.agents["agent-2"] = domain.Agent{ID: "agent-2", OwnerID: "admin-1", Type: domain.AgentAntiTheft, Activated: true}
	ctx := context.Background()

	_, err := f.router.StartConversation(ctx, "ghost", "agent-1")
	require.True(t, IsCode(err, ErrorForbidden))

	_, err = f.router.StartConversation(ctx, "acct-1", "missing")
	require.True(t, IsCode(err, ErrorNotFound))

	_, err = f.router.StartConversation(ctx, "acct-1", "agent-2")
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInvalidInput, ucErr.Code)
	require.Equal(t, "unsupported_agent_type", ucErr.Reason)
	require.Empty(t, f.dir.created)
}

func TestToggleEscalation_UsesMessageCount(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	_, err := f.router.ProcessTurn(ctx, TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "hi"})
	require.NoError(t, err)

	p, err := f.router.ToggleEscalation(ctx, "conv-1", "admin-1")
	require.NoError(t, err)
	require.True(t, p.IsEscalated)
	require.Equal(t, 1, p.LastMessageIndex)

	f.dir.admins["admin-2"] = domain.Administrator{ID: "admin-2"}
	_, err = f.router.ToggleEscalation(ctx, "conv-1", "admin-2")
	require.True(t, IsCode(err, ErrorForbidden))

	_, err = f.router.ToggleEscalation(ctx, "nope", "admin-1")
	require.True(t, IsCode(err, ErrorNotFound))
}

func TestTranscript_MergesEscalationMarkers(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.router.ProcessTurn(ctx, TurnInput{ConversationID: "conv-1", CallerID: "acct-1", Query: "hi"})
	require.NoError(t, err)
	// the fake stamps messages whole seconds after the tracker clock starts
	_, err = f.router.ToggleEscalation(ctx, "conv-1", "admin-1")
	require.NoError(t, err)

	entries, err := f.router.Transcript(ctx, "conv-1", "admin-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[0].Escalation)
	require.NotNil(t, entries[1].Message)
	require.Equal(t, domain.RoleCustomer, entries[1].Message.Role)
	require.NotNil(t, entries[2].Message)
	require.Equal(t, domain.RoleAgent, entries[2].Message.Role)

	_, err = f.router.Transcript(ctx, "conv-1", "acct-1")
	require.True(t, IsCode(err, ErrorForbidden))
}
