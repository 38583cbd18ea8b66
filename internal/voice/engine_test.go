package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nexus-agent/internal/domain"
	"nexus-agent/internal/usecase"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSessions struct {
	mu        sync.Mutex
	items     map[string]domain.VoiceCallSession
	getErr    error
	putErr    error
	deleteErr error
	puts      int
	deletes   int
	lastTTL   time.Duration
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{items: map[string]domain.VoiceCallSession{}}
}

func (f *fakeSessions) GetSession(_ context.Context, key string) (domain.VoiceCallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.VoiceCallSession{}, f.getErr
	}
	s, ok := f.items[key]
	if !ok {
		return domain.VoiceCallSession{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) PutSession(_ context.Context, s domain.VoiceCallSession, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.lastTTL = ttl
	if f.putErr != nil {
		return f.putErr
	}
	f.items[s.Key] = s
	return nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.items, key)
	return nil
}

type fakeDirectory struct {
	numbers  map[string]domain.PhoneNumber
	links    map[string]domain.PhoneLink
	agents   []domain.Agent
	kbs      map[string][]string
	forwards map[string]string
	convs    map[string]domain.Conversation
	kbErr    error
	creates  int
}

func (f *fakeDirectory) PhoneNumber(_ context.Context, phone string) (domain.PhoneNumber, error) {
	n, ok := f.numbers[phone]
	if !ok {
		return domain.PhoneNumber{}, domain.ErrNotFound
	}
	return n, nil
}

func (f *fakeDirectory) AgentsByOwner(_ context.Context, ownerID string) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range f.agents {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeDirectory) PhoneLink(_ context.Context, phone string) (domain.PhoneLink, error) {
	l, ok := f.links[phone]
	if !ok {
		return domain.PhoneLink{}, domain.ErrNotFound
	}
	return l, nil
}

func (f *fakeDirectory) KnowledgeLinks(_ context.Context, agentID string) ([]domain.KnowledgeLink, error) {
	if f.kbErr != nil {
		return nil, f.kbErr
	}
	var out []domain.KnowledgeLink
	for _, id := range f.kbs[agentID] {
		out = append(out, domain.KnowledgeLink{AgentID: agentID, KnowledgeBaseID: id})
	}
	return out, nil
}

func (f *fakeDirectory) ForwardingNumber(_ context.Context, agentID string) (string, error) {
	n, ok := f.forwards[agentID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return n, nil
}

func (f *fakeDirectory) CreateConversation(_ context.Context, conv domain.Conversation) (domain.Conversation, error) {
	f.creates++
	if existing, ok := f.convs[conv.ID]; ok {
		return existing, nil
	}
	f.convs[conv.ID] = conv
	return conv, nil
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (f *fakeMessages) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return msg, nil
}

type fakeRetriever struct {
	calls   int
	sources []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string, sourceIDs []string, _ int) ([]domain.Passage, error) {
	f.calls++
	f.sources = sourceIDs
	if len(sourceIDs) == 0 {
		return []domain.Passage{}, nil
	}
	return []domain.Passage{{SourceID: sourceIDs[0], Content: "Plans start at $10.", Score: 0.9}}, nil
}

type fakeDecider struct {
	decision usecase.VoiceDecision
	err      error
	block    bool
	calls    int
	last     usecase.VoiceTurn
}

func (f *fakeDecider) Decide(ctx context.Context, in usecase.VoiceTurn) (usecase.VoiceDecision, error) {
	f.calls++
	f.last = in
	if f.block {
		<-ctx.Done()
		return usecase.VoiceDecision{}, &usecase.Error{Code: usecase.ErrorGenerationFailed, Reason: "generation_deadline", Err: ctx.Err()}
	}
	return f.decision, f.err
}

type recordingMetrics struct {
	routed []string
	turns  []string
}

func (m *recordingMetrics) CallRouted(outcome string)                 { m.routed = append(m.routed, outcome) }
func (m *recordingMetrics) VoiceTurn(outcome string, _ time.Duration) { m.turns = append(m.turns, outcome) }

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const (
	caller = "+15550100"
	called = "+15550001"
)

type harness struct {
	engine    *Engine
	sessions  *fakeSessions
	dir       *fakeDirectory
	messages  *fakeMessages
	retriever *fakeRetriever
	decider   *fakeDecider
	metrics   *recordingMetrics
}

func newHarness(t *testing.T, agent domain.Agent, policy TranscriptPolicy) *harness {
	t.Helper()
	h := &harness{
		sessions: newFakeSessions(),
		dir: &fakeDirectory{
			numbers:  map[string]domain.PhoneNumber{called: {Phone: called, OwnerID: "adm-1"}},
			links:    map[string]domain.PhoneLink{called: {Phone: called, AgentID: agent.ID}},
			agents:   []domain.Agent{agent},
			kbs:      map[string][]string{},
			forwards: map[string]string{},
			convs:    map[string]domain.Conversation{},
		},
		messages:  &fakeMessages{},
		retriever: &fakeRetriever{},
		decider:   &fakeDecider{decision: usecase.VoiceDecision{Reply: "Sure, tell me more."}},
		metrics:   &recordingMetrics{},
	}
	e, err := New(Config{
		BaseURL:           "https://api.example.com/voice/",
		CueBaseURL:        "https://cdn.example.com/cues",
		GenerationTimeout: 50 * time.Millisecond,
		Transcript:        policy,
	}, h.sessions, h.dir, h.messages, h.retriever, h.decider, nil, h.metrics)
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	h.engine = e
	return h
}

func salesAgent() domain.Agent {
	return domain.Agent{ID: "ag-1", OwnerID: "adm-1", Name: "Ava", Type: domain.AgentSalesAssistant, Activated: true}
}

func params(speech string) CallParams {
	return CallParams{CallSid: "CA1", Caller: caller, Called: called, SpeechResult: speech, CallerState: "CA"}
}

func render(t *testing.T, r *Response) string {
	t.Helper()
	raw, err := r.Render()
	require.NoError(t, err)
	return string(raw)
}

// ---------------------------------------------------------------------------
// Incoming call
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{BaseURL: "x"}, nil, &fakeDirectory{}, &fakeMessages{}, &fakeRetriever{}, &fakeDecider{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, newFakeSessions(), &fakeDirectory{}, &fakeMessages{}, &fakeRetriever{}, &fakeDecider{}, nil, nil)
	require.ErrorContains(t, err, "base URL")
	_, err = New(Config{BaseURL: "x"}, newFakeSessions(), &fakeDirectory{}, nil, &fakeRetriever{}, &fakeDecider{}, nil, nil)
	require.ErrorContains(t, err, "message store")
	_, err = New(Config{BaseURL: "x", Transcript: TranscriptOff}, newFakeSessions(), &fakeDirectory{}, nil, &fakeRetriever{}, &fakeDecider{}, nil, nil)
	require.NoError(t, err)
}

func TestHandleIncomingCall_GreetsAndGathers(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptPersist)

	reply := h.engine.HandleIncomingCall(context.Background(), params(""))
	xml := render(t, reply)

	require.Contains(t, xml, `<Say voice="Polly.Joanna">Hi, this is Ava. How can I help you today?</Say>`)
	require.Contains(t, xml, `action="https://api.example.com/voice/process/sales-assistant"`)
	require.Contains(t, xml, `timeout="5"`)
	require.False(t, reply.Ends())

	sess, err := h.sessions.GetSession(context.Background(), domain.CallKey(caller, called, "CA1"))
	require.NoError(t, err)
	require.Equal(t, string(StateAwaitingInput), sess.State)
	require.Equal(t, "call_CA1", sess.ConversationID)
	require.Equal(t, "CA", sess.CallerState)
	require.Equal(t, time.Hour, h.sessions.lastTTL)

	require.Equal(t, domain.ChannelVoice, h.dir.convs["call_CA1"].Channel)
	require.Len(t, h.messages.msgs, 1)
	require.Equal(t, domain.RoleAgent, h.messages.msgs[0].Role)
	require.Equal(t, []string{"routed"}, h.metrics.routed)
}

func TestHandleIncomingCall_AntiTheftWaitsLonger(t *testing.T) {
	agent := domain.Agent{ID: "ag-9", OwnerID: "adm-1", Type: domain.AgentAntiTheft, Activated: true}
	h := newHarness(t, agent, TranscriptOff)

	xml := render(t, h.engine.HandleIncomingCall(context.Background(), params("")))
	require.Contains(t, xml, `timeout="10"`)
	require.Contains(t, xml, "/process/anti-theft")
	require.Contains(t, xml, "Nexus device protection line")
	require.Empty(t, h.messages.msgs)
	require.Zero(t, h.dir.creates)
}

func TestHandleIncomingCall_UnregisteredNumber(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptPersist)
	p := params("")
	p.Called = "+19990000"

	reply := h.engine.HandleIncomingCall(context.Background(), p)

	require.Equal(t, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"+
		"<Response><Play>https://cdn.example.com/cues/number-notfound.mp3</Play><Hangup></Hangup></Response>",
		render(t, reply))
	require.True(t, reply.Ends())
	require.Zero(t, h.sessions.puts)
	require.Zero(t, h.dir.creates)
	require.Empty(t, h.messages.msgs)
	require.Equal(t, []string{"number_not_found"}, h.metrics.routed)
}

func TestHandleIncomingCall_RoutingFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(d *fakeDirectory)
		cue    Cue
	}{
		{
			name:   "owner has no agents",
			mutate: func(d *fakeDirectory) { d.agents = nil },
			cue:    CueNoAgents,
		},
		{
			name:   "no activated agent",
			mutate: func(d *fakeDirectory) { d.agents[0].Activated = false },
			cue:    CueNoActiveAgent,
		},
		{
			name:   "number not linked",
			mutate: func(d *fakeDirectory) { delete(d.links, called) },
			cue:    CueNumberNotLinked,
		},
		{
			name: "linked agent deactivated",
			mutate: func(d *fakeDirectory) {
				d.agents[0].Activated = false
				d.agents = append(d.agents, domain.Agent{ID: "ag-2", OwnerID: "adm-1", Type: domain.AgentChatbot, Activated: true})
			},
			cue: CueNoActiveAgent,
		},
		{
			name:   "linked to a foreign agent",
			mutate: func(d *fakeDirectory) { d.links[called] = domain.PhoneLink{Phone: called, AgentID: "ag-other"} },
			cue:    CueNumberNotLinked,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, salesAgent(), TranscriptPersist)
			tc.mutate(h.dir)

			reply := h.engine.HandleIncomingCall(context.Background(), params(""))
			xml := render(t, reply)
			require.Contains(t, xml, string(tc.cue))
			require.Contains(t, xml, "<Hangup>")
			require.Zero(t, h.sessions.puts)
		})
	}
}

func TestHandleIncomingCall_SessionWriteFails(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	h.sessions.putErr = errors.New("throttled")
	xml := render(t, h.engine.HandleIncomingCall(context.Background(), params("")))
	require.Contains(t, xml, string(CueErrorOccurred))
	require.Equal(t, []string{"error"}, h.metrics.routed)
}

func TestErrorReply_PlaysCueAndHangsUp(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	reply := h.engine.ErrorReply()
	require.True(t, reply.Ends())
	xml := render(t, reply)
	require.Contains(t, xml, "<Play>https://cdn.example.com/cues/"+string(CueErrorOccurred)+"</Play>")
	require.Contains(t, xml, "<Hangup></Hangup>")
	require.Zero(t, h.sessions.deletes)
}

// ---------------------------------------------------------------------------
// Gathered speech
// ---------------------------------------------------------------------------

func startCall(t *testing.T, h *harness) {
	t.Helper()
	h.engine.HandleIncomingCall(context.Background(), params(""))
}

func TestProcessVoiceCall_Continue(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptPersist)
	h.dir.kbs["ag-1"] = []string{"kb-1"}
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("How much is it?"))
	xml := render(t, reply)

	require.Contains(t, xml, `<Gather input="speech" action="https://api.example.com/voice/process/sales-assistant"`)
	require.Contains(t, xml, `<Say voice="Polly.Joanna">Sure, tell me more.</Say></Gather>`)
	require.False(t, reply.Ends())

	require.Equal(t, []string{"kb-1"}, h.retriever.sources)
	require.Equal(t, "How much is it?", h.decider.last.Utterance)
	require.Equal(t, "CA", h.decider.last.Caller.State)
	require.Len(t, h.decider.last.Turns, 1, "history holds the greeting only")
	require.Len(t, h.decider.last.Passages, 1)

	sess, err := h.sessions.GetSession(context.Background(), domain.CallKey(caller, called, "CA1"))
	require.NoError(t, err)
	require.Equal(t, string(StateAwaitingInput), sess.State)
	require.Len(t, sess.Turns, 3)

	// greeting, customer, agent in order
	require.Len(t, h.messages.msgs, 3)
	require.Equal(t, domain.RoleCustomer, h.messages.msgs[1].Role)
	require.Equal(t, "Sure, tell me more.", h.messages.msgs[2].Content)
	require.Equal(t, []string{"continued"}, h.metrics.turns)
}

func TestProcessVoiceCall_EndCall(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	h.dir.kbs["ag-1"] = []string{"kb-1"}
	h.decider.decision = usecase.VoiceDecision{Reply: "Goodbye!", EndCall: true}
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("That's all"))
	xml := render(t, reply)

	require.True(t, strings.HasSuffix(xml, `<Say voice="Polly.Joanna">Goodbye!</Say><Hangup></Hangup></Response>`))
	require.Empty(t, h.sessions.items)
	require.Equal(t, []string{"ended"}, h.metrics.turns)
}

func TestProcessVoiceCall_Transfer(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	h.dir.kbs["ag-1"] = []string{"kb-1"}
	h.dir.forwards["ag-1"] = "+15559999"
	h.decider.decision = usecase.VoiceDecision{Reply: "Connecting you now.", Transfer: true}
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Talk to a human"))
	xml := render(t, reply)

	require.Contains(t, xml, "<Say voice=\"Polly.Joanna\">Connecting you now.</Say>"+
		"<Play>https://cdn.example.com/cues/transferring.mp3</Play><Dial>+15559999</Dial>")
	require.True(t, reply.Ends())
	require.Empty(t, h.sessions.items)
}

func TestProcessVoiceCall_TransferWithoutNumberContinues(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	h.dir.kbs["ag-1"] = []string{"kb-1"}
	h.decider.decision = usecase.VoiceDecision{Reply: "Let me help instead.", Transfer: true}
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Talk to a human"))
	require.False(t, reply.Ends())
	require.Contains(t, render(t, reply), "<Gather")
	require.Len(t, h.sessions.items, 1)
}

func TestProcessVoiceCall_DeadlinePlaysHold(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	h.dir.kbs["ag-1"] = []string{"kb-1"}
	h.decider.block = true
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Still there?"))
	xml := render(t, reply)

	require.Contains(t, xml, "<Gather")
	require.Contains(t, xml, "<Play>https://cdn.example.com/cues/please-hold.mp3</Play></Gather>")
	require.False(t, reply.Ends())

	sess, err := h.sessions.GetSession(context.Background(), domain.CallKey(caller, called, "CA1"))
	require.NoError(t, err)
	require.Equal(t, string(StateAwaitingInput), sess.State)
	require.Equal(t, "Still there?", sess.Turns[len(sess.Turns)-1].Content)
	require.Equal(t, []string{"hold"}, h.metrics.turns)
}

func TestProcessVoiceCall_NoKnowledgeBase(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	startCall(t, h)

	xml := render(t, h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Hi")))
	require.Contains(t, xml, string(CueNoKnowledgeBase))
	require.Contains(t, xml, "<Hangup>")
	require.Zero(t, h.decider.calls)
	require.Empty(t, h.sessions.items)
}

func TestProcessVoiceCall_KnowledgeOptionalForChatbot(t *testing.T) {
	agent := domain.Agent{ID: "ag-1", OwnerID: "adm-1", Type: domain.AgentChatbot, Activated: true}
	h := newHarness(t, agent, TranscriptOff)
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentChatbot, params("Hi"))
	require.False(t, reply.Ends())
	require.Equal(t, 1, h.decider.calls)
}

func TestProcessVoiceCall_GenerationErrorHangsUp(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	h.dir.kbs["ag-1"] = []string{"kb-1"}
	h.decider.err = &usecase.Error{Code: usecase.ErrorGenerationFailed, Reason: "generation_error", Err: errors.New("500")}
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Hi"))
	require.Contains(t, render(t, reply), string(CueErrorOccurred))
	require.True(t, reply.Ends())
	require.Empty(t, h.sessions.items)
}

func TestProcessVoiceCall_LookupErrorHangsUp(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	h.dir.kbErr = errors.New("boom")
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Hi"))
	require.Contains(t, render(t, reply), string(CueErrorOccurred))
}

func TestProcessVoiceCall_EmptySpeechReprompts(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("  "))
	require.Contains(t, render(t, reply), notHeardPrompt)
	require.Zero(t, h.decider.calls)
}

func TestProcessVoiceCall_RebuildsMissingSession(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptPersist)
	h.dir.kbs["ag-1"] = []string{"kb-1"}

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Hello?"))
	require.False(t, reply.Ends())
	require.Equal(t, "ag-1", h.decider.last.Agent.ID)
	require.Equal(t, "call_CA1", h.messages.msgs[0].ConversationID)
	require.Len(t, h.sessions.items, 1)
}

func TestProcessVoiceCall_TerminalSessionReplaysHangup(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	key := domain.CallKey(caller, called, "CA1")
	h.sessions.items[key] = domain.VoiceCallSession{Key: key, AgentType: domain.AgentSalesAssistant, State: string(StateEnding)}

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Hello?"))
	require.Equal(t, []any{Hangup{}}, reply.Verbs)
	require.Zero(t, h.decider.calls)
}

func TestProcessVoiceCall_FailedDeleteCachesTerminalState(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	h.dir.kbs["ag-1"] = []string{"kb-1"}
	h.decider.decision = usecase.VoiceDecision{Reply: "Bye.", EndCall: true}
	startCall(t, h)
	h.sessions.deleteErr = errors.New("unavailable")

	h.engine.ProcessVoiceCall(context.Background(), domain.AgentSalesAssistant, params("Bye"))

	sess := h.sessions.items[domain.CallKey(caller, called, "CA1")]
	require.Equal(t, string(StateEnding), sess.State)
}

func TestProcessVoiceCall_AgentTypeMismatch(t *testing.T) {
	h := newHarness(t, salesAgent(), TranscriptOff)
	startCall(t, h)

	reply := h.engine.ProcessVoiceCall(context.Background(), domain.AgentAntiTheft, params("Hi"))
	require.Contains(t, render(t, reply), string(CueErrorOccurred))
}
