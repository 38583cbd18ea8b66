package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"nexus-agent/internal/domain"
	"nexus-agent/internal/usecase"
)

const (
	defaultAgentName         = "Nexus"
	defaultSessionTTL        = time.Hour
	defaultGenerationTimeout = 8 * time.Second
	defaultSayVoice          = "Polly.Joanna"
	retrievalTopK            = 2
)

// Cue is a prerecorded status prompt, addressed relative to the cue base URL.
type Cue string

const (
	CueNumberNotFound  Cue = "number-notfound.mp3"
	CueNoAgents        Cue = "no-agents.mp3"
	CueNoActiveAgent   Cue = "agent-unavailable.mp3"
	CueNumberNotLinked Cue = "unable-to-assist.mp3"
	CueNoKnowledgeBase Cue = "datasource-notfound.mp3"
	CueErrorOccurred   Cue = "error-occurred.mp3"
	CuePleaseHold      Cue = "please-hold.mp3"
	CueTransferring    Cue = "transferring.mp3"
)

// TranscriptPolicy selects whether voice turns are written to the message
// store.
type TranscriptPolicy int

const (
	TranscriptPersist TranscriptPolicy = iota
	TranscriptOff
)

var greetings = map[domain.AgentType]string{
	domain.AgentAntiTheft:      "Hello, you have reached the {{agent_name}} device protection line. Please tell me what happened to your device.",
	domain.AgentSalesAssistant: "Hi, this is {{agent_name}}. How can I help you today?",
	domain.AgentChatbot:        "Hello, this is {{agent_name}}. What can I do for you?",
}

const notHeardPrompt = "Sorry, I did not catch that. Could you say it again?"

// gatherTimeout is how long the provider waits for speech to start.
func gatherTimeout(t domain.AgentType) int {
	if t == domain.AgentAntiTheft {
		return 10
	}
	return 5
}

// SessionStore caches call sessions between webhooks.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (domain.VoiceCallSession, error)
	PutSession(ctx context.Context, s domain.VoiceCallSession, ttl time.Duration) error
	DeleteSession(ctx context.Context, key string) error
}

// Directory resolves numbers to agents. Lookups return domain.ErrNotFound for
// missing rows.
type Directory interface {
	PhoneNumber(ctx context.Context, phone string) (domain.PhoneNumber, error)
	AgentsByOwner(ctx context.Context, ownerID string) ([]domain.Agent, error)
	PhoneLink(ctx context.Context, phone string) (domain.PhoneLink, error)
	KnowledgeLinks(ctx context.Context, agentID string) ([]domain.KnowledgeLink, error)
	ForwardingNumber(ctx context.Context, agentID string) (string, error)
	CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error)
}

type MessageStore interface {
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query, agentID string, sourceIDs []string, topK int) ([]domain.Passage, error)
}

type Decider interface {
	Decide(ctx context.Context, in usecase.VoiceTurn) (usecase.VoiceDecision, error)
}

// Metrics records call outcomes.
type Metrics interface {
	CallRouted(outcome string)
	VoiceTurn(outcome string, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) CallRouted(string)               {}
func (nopMetrics) VoiceTurn(string, time.Duration) {}

// Config holds the engine's URLs and limits.
type Config struct {
	// BaseURL is the public URL of the voice webhook, without trailing slash.
	BaseURL           string
	CueBaseURL        string
	SayVoice          string
	SessionTTL        time.Duration
	GenerationTimeout time.Duration
	Transcript        TranscriptPolicy
}

// Engine answers the telephony provider's webhooks.
type Engine struct {
	cfg       Config
	sessions  SessionStore
	dir       Directory
	messages  MessageStore
	retriever Retriever
	decider   Decider
	log       *slog.Logger
	metrics   Metrics
	now       func() time.Time
}

func New(cfg Config, sessions SessionStore, dir Directory, messages MessageStore, retriever Retriever, decider Decider, log *slog.Logger, metrics Metrics) (*Engine, error) {
	if sessions == nil {
		return nil, errors.New("voice: sessions must not be nil")
	}
	if dir == nil {
		return nil, errors.New("voice: directory must not be nil")
	}
	if retriever == nil {
		return nil, errors.New("voice: retriever must not be nil")
	}
	if decider == nil {
		return nil, errors.New("voice: decider must not be nil")
	}
	if cfg.Transcript == TranscriptPersist && messages == nil {
		return nil, errors.New("voice: message store is required when transcripts are persisted")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("voice: base URL must not be empty")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CueBaseURL = strings.TrimRight(cfg.CueBaseURL, "/")
	if cfg.SayVoice == "" {
		cfg.SayVoice = defaultSayVoice
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Engine{
		cfg:       cfg,
		sessions:  sessions,
		dir:       dir,
		messages:  messages,
		retriever: retriever,
		decider:   decider,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}, nil
}

// routeFailure is a terminal routing outcome with its own audio cue.
type routeFailure struct {
	outcome string
	cue     Cue
	err     error
}

func (f *routeFailure) Error() string {
	if f.err == nil {
		return "voice: " + f.outcome
	}
	return fmt.Sprintf("voice: %s: %v", f.outcome, f.err)
}

func (f *routeFailure) Unwrap() error { return f.err }

func fail(outcome string, cue Cue, err error) *routeFailure {
	return &routeFailure{outcome: outcome, cue: cue, err: err}
}

// HandleIncomingCall routes a new call to the agent linked to the called
// number and greets the caller.
func (e *Engine) HandleIncomingCall(ctx context.Context, p CallParams) *Response {
	log := e.log.With("call_sid", p.CallSid, "called", p.Called)

	agent, ownerID, err := e.route(ctx, p.Called)
	if err != nil {
		return e.routingFailed(log, err)
	}
	state, _ := transition(StateRouting, EventRouted)

	greeting := renderGreeting(agent)
	sess := domain.VoiceCallSession{
		Key:           p.Key(),
		CallSid:       p.CallSid,
		Caller:        p.Caller,
		Called:        p.Called,
		CallerState:   p.CallerState,
		CallerCountry: p.CallerCountry,
		CallerZip:     p.CallerZip,
		AgentID:       agent.ID,
		AgentType:     agent.Type,
		AgentName:     agent.Name,
		OwnerID:       ownerID,
		Turns:         []domain.CallTurn{{Role: domain.RoleAgent, Content: greeting}},
	}
	if e.cfg.Transcript == TranscriptPersist {
		convID, err := e.openTranscript(ctx, p, agent.ID)
		if err != nil {
			e.metrics.CallRouted("error")
			log.Error("voice: open transcript failed", "err", err)
			return e.errorReply()
		}
		sess.ConversationID = convID
		e.record(ctx, log, convID, domain.RoleAgent, greeting, agent.ID)
	}

	state, _ = transition(state, EventGreeted)
	sess.State = string(state)
	sess.UpdatedAt = e.now().UTC()
	if err := e.sessions.PutSession(ctx, sess, e.cfg.SessionTTL); err != nil {
		e.metrics.CallRouted("error")
		log.Error("voice: store session failed", "err", err)
		return e.errorReply()
	}

	e.metrics.CallRouted("routed")
	log.Info("voice: call routed", "agent_id", agent.ID, "agent_type", agent.Type)
	return (&Response{}).add(
		e.say(greeting),
		newGather(e.actionURL(agent.Type), gatherTimeout(agent.Type)),
	)
}

// route resolves called number → owner → owner's agents → number link. The
// linked agent must be one of the owner's activated agents.
func (e *Engine) route(ctx context.Context, called string) (domain.Agent, string, error) {
	number, err := e.dir.PhoneNumber(ctx, called)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Agent{}, "", fail("number_not_found", CueNumberNotFound, nil)
	}
	if err != nil {
		return domain.Agent{}, "", fmt.Errorf("voice: lookup number: %w", err)
	}

	agents, err := e.dir.AgentsByOwner(ctx, number.OwnerID)
	if err != nil {
		return domain.Agent{}, "", fmt.Errorf("voice: lookup agents: %w", err)
	}
	if len(agents) == 0 {
		return domain.Agent{}, "", fail("no_agents", CueNoAgents, nil)
	}
	anyActive := false
	for _, a := range agents {
		if a.Activated {
			anyActive = true
			break
		}
	}
	if !anyActive {
		return domain.Agent{}, "", fail("no_active_agent", CueNoActiveAgent, nil)
	}

	link, err := e.dir.PhoneLink(ctx, called)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Agent{}, "", fail("number_not_linked", CueNumberNotLinked, nil)
	}
	if err != nil {
		return domain.Agent{}, "", fmt.Errorf("voice: lookup link: %w", err)
	}
	for _, a := range agents {
		if a.ID != link.AgentID {
			continue
		}
		if !a.Activated {
			return domain.Agent{}, "", fail("no_active_agent", CueNoActiveAgent, nil)
		}
		return a, number.OwnerID, nil
	}
	// Linked to an agent the number's owner does not have.
	return domain.Agent{}, "", fail("number_not_linked", CueNumberNotLinked, nil)
}

func (e *Engine) routingFailed(log *slog.Logger, err error) *Response {
	var rf *routeFailure
	if errors.As(err, &rf) {
		e.metrics.CallRouted(rf.outcome)
		log.Warn("voice: call not routed", "outcome", rf.outcome)
		return e.terminal(rf.cue)
	}
	e.metrics.CallRouted("error")
	log.Error("voice: routing failed", "err", err)
	return e.errorReply()
}

// ProcessVoiceCall handles one gathered utterance for a routed call.
func (e *Engine) ProcessVoiceCall(ctx context.Context, agentType domain.AgentType, p CallParams) *Response {
	start := e.now()
	log := e.log.With("call_sid", p.CallSid, "agent_type", agentType)

	reply, outcome := e.processTurn(ctx, log, agentType, p)
	e.metrics.VoiceTurn(outcome, e.now().Sub(start))
	return reply
}

func (e *Engine) processTurn(ctx context.Context, log *slog.Logger, agentType domain.AgentType, p CallParams) (*Response, string) {
	sess, err := e.loadSession(ctx, p)
	if err != nil {
		log.Error("voice: load session failed", "err", err)
		return e.abort(ctx, log, p.Key()), "error"
	}
	if State(sess.State).Terminal() {
		return (&Response{}).add(Hangup{}), "replayed"
	}
	if sess.AgentType != agentType {
		log.Error("voice: agent type mismatch", "session_type", sess.AgentType)
		return e.abort(ctx, log, sess.Key), "error"
	}

	utterance := strings.TrimSpace(p.SpeechResult)
	if utterance == "" {
		return e.gather(sess, e.say(notHeardPrompt)), "no_input"
	}

	state, ok := transition(State(sess.State), EventSpeech)
	if !ok {
		log.Error("voice: unexpected state", "state", sess.State)
		return e.abort(ctx, log, sess.Key), "error"
	}

	kbIDs, forward, err := e.loadAgentContext(ctx, sess.AgentID)
	if err != nil {
		log.Error("voice: load agent context failed", "err", err)
		return e.abort(ctx, log, sess.Key), "error"
	}
	sess.KnowledgeBaseIDs = kbIDs
	if agentType.KnowledgeDependent() && len(kbIDs) == 0 {
		log.Warn("voice: agent has no knowledge base", "agent_id", sess.AgentID)
		e.finish(ctx, log, sess, StateEnding)
		return e.terminal(CueNoKnowledgeBase), "no_knowledge_base"
	}

	if sess.ConversationID != "" {
		e.record(ctx, log, sess.ConversationID, domain.RoleCustomer, utterance, "")
	}
	history := sess.Turns
	sess.Turns = append(sess.Turns, domain.CallTurn{Role: domain.RoleCustomer, Content: utterance})

	decision, err := e.decide(ctx, sess, history, utterance)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		state, _ = transition(state, EventHold)
		sess.State = string(state)
		log.Warn("voice: generation deadline hit, holding")
		e.save(ctx, log, sess)
		return e.gather(sess, e.play(CuePleaseHold)), "hold"
	}
	if err != nil {
		log.Error("voice: generation failed", "err", err, "code", usecase.CodeOf(err))
		return e.abort(ctx, log, sess.Key), "error"
	}

	sess.Turns = append(sess.Turns, domain.CallTurn{Role: domain.RoleAgent, Content: decision.Reply})
	if sess.ConversationID != "" {
		e.record(ctx, log, sess.ConversationID, domain.RoleAgent, decision.Reply, sess.AgentID)
	}

	switch {
	case decision.Transfer && forward != "":
		state, _ = transition(state, EventTransfer)
		e.finish(ctx, log, sess, state)
		log.Info("voice: transferring call")
		return (&Response{}).add(e.say(decision.Reply), e.play(CueTransferring), Dial{Number: forward}), "transferred"
	case decision.EndCall:
		state, _ = transition(state, EventEnd)
		e.finish(ctx, log, sess, state)
		log.Info("voice: call ended by agent")
		return (&Response{}).add(e.say(decision.Reply), Hangup{}), "ended"
	default:
		if decision.Transfer {
			log.Warn("voice: transfer requested without forwarding number", "agent_id", sess.AgentID)
		}
		state, _ = transition(state, EventContinue)
		sess.State = string(state)
		e.save(ctx, log, sess)
		return e.gather(sess, e.say(decision.Reply)), "continued"
	}
}

// loadSession reads the cached session or, when it is missing or expired,
// rebuilds it from the directory.
func (e *Engine) loadSession(ctx context.Context, p CallParams) (domain.VoiceCallSession, error) {
	sess, err := e.sessions.GetSession(ctx, p.Key())
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.VoiceCallSession{}, err
	}

	agent, ownerID, err := e.route(ctx, p.Called)
	if err != nil {
		return domain.VoiceCallSession{}, fmt.Errorf("voice: rebuild session: %w", err)
	}
	sess = domain.VoiceCallSession{
		Key:           p.Key(),
		CallSid:       p.CallSid,
		Caller:        p.Caller,
		Called:        p.Called,
		CallerState:   p.CallerState,
		CallerCountry: p.CallerCountry,
		CallerZip:     p.CallerZip,
		AgentID:       agent.ID,
		AgentType:     agent.Type,
		AgentName:     agent.Name,
		OwnerID:       ownerID,
		State:         string(StateAwaitingInput),
	}
	if e.cfg.Transcript == TranscriptPersist {
		convID, err := e.openTranscript(ctx, p, agent.ID)
		if err != nil {
			return domain.VoiceCallSession{}, err
		}
		sess.ConversationID = convID
	}
	e.log.Info("voice: session rebuilt", "call_sid", p.CallSid, "agent_id", agent.ID)
	return sess, nil
}

// loadAgentContext fetches knowledge links and the forwarding number
// concurrently. A missing forwarding number is not an error.
func (e *Engine) loadAgentContext(ctx context.Context, agentID string) ([]string, string, error) {
	var (
		links   []domain.KnowledgeLink
		forward string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		links, err = e.dir.KnowledgeLinks(gctx, agentID)
		return err
	})
	g.Go(func() error {
		number, err := e.dir.ForwardingNumber(gctx, agentID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		forward = number
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, "", err
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.KnowledgeBaseID)
	}
	return ids, forward, nil
}

// decide runs retrieval and the voice decision under the generation deadline.
func (e *Engine) decide(ctx context.Context, sess domain.VoiceCallSession, history []domain.CallTurn, utterance string) (usecase.VoiceDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	defer cancel()

	passages, err := e.retriever.Retrieve(ctx, utterance, sess.AgentID, sess.KnowledgeBaseIDs, retrievalTopK)
	if err != nil {
		return usecase.VoiceDecision{}, fmt.Errorf("voice: retrieve: %w", err)
	}
	decision, err := e.decider.Decide(ctx, usecase.VoiceTurn{
		Agent: domain.Agent{
			ID:        sess.AgentID,
			OwnerID:   sess.OwnerID,
			Name:      sess.AgentName,
			Type:      sess.AgentType,
			Activated: true,
		},
		Passages:  passages,
		Turns:     history,
		Utterance: utterance,
		Caller: usecase.CallerHints{
			State:   sess.CallerState,
			Country: sess.CallerCountry,
			Zip:     sess.CallerZip,
		},
	})
	if err != nil {
		return usecase.VoiceDecision{}, err
	}
	return decision, nil
}

func (e *Engine) openTranscript(ctx context.Context, p CallParams, agentID string) (string, error) {
	conv, err := e.dir.CreateConversation(ctx, domain.Conversation{
		ID:      p.ConversationID(),
		AgentID: agentID,
		CallRef: p.CallSid,
		Channel: domain.ChannelVoice,
	})
	if err != nil {
		return "", fmt.Errorf("voice: create conversation: %w", err)
	}
	return conv.ID, nil
}

// record appends a transcript message. Failures are logged; the call goes on.
func (e *Engine) record(ctx context.Context, log *slog.Logger, convID string, role domain.Role, content, agentID string) {
	if e.messages == nil {
		return
	}
	if _, err := e.messages.AppendMessage(ctx, domain.Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		AgentID:        agentID,
	}); err != nil {
		log.Warn("voice: transcript append failed", "err", err, "role", role)
	}
}

func (e *Engine) save(ctx context.Context, log *slog.Logger, sess domain.VoiceCallSession) {
	sess.UpdatedAt = e.now().UTC()
	if err := e.sessions.PutSession(ctx, sess, e.cfg.SessionTTL); err != nil {
		// The next webhook rebuilds the session from the directory.
		log.Warn("voice: session save failed", "err", err)
	}
}

// finish deletes the session of a completed call. When the delete fails the
// terminal state is cached instead so a late webhook replays a hangup.
func (e *Engine) finish(ctx context.Context, log *slog.Logger, sess domain.VoiceCallSession, state State) {
	err := e.sessions.DeleteSession(ctx, sess.Key)
	if err == nil {
		return
	}
	log.Warn("voice: session delete failed", "err", err)
	sess.State = string(state)
	e.save(ctx, log, sess)
}

// abort ends the call with the error cue and drops the session.
func (e *Engine) abort(ctx context.Context, log *slog.Logger, key string) *Response {
	if err := e.sessions.DeleteSession(ctx, key); err != nil {
		log.Warn("voice: session delete failed", "err", err)
	}
	return e.errorReply()
}

func (e *Engine) errorReply() *Response {
	return e.terminal(CueErrorOccurred)
}

// ErrorReply plays the error cue and hangs up. Callers outside the engine
// use it when a webhook fails before or after the engine runs.
func (e *Engine) ErrorReply() *Response {
	return e.errorReply()
}

func (e *Engine) terminal(cue Cue) *Response {
	return (&Response{}).add(e.play(cue), Hangup{})
}

func (e *Engine) gather(sess domain.VoiceCallSession, nested ...any) *Response {
	return (&Response{}).add(newGather(e.actionURL(sess.AgentType), gatherTimeout(sess.AgentType), nested...))
}

func (e *Engine) say(text string) Say {
	return Say{Voice: e.cfg.SayVoice, Text: text}
}

func (e *Engine) play(cue Cue) Play {
	return Play{URL: e.cfg.CueBaseURL + "/" + string(cue)}
}

func (e *Engine) actionURL(t domain.AgentType) string {
	return e.cfg.BaseURL + "/process/" + t.Slug()
}

func renderGreeting(agent domain.Agent) string {
	name := strings.TrimSpace(agent.Name)
	if name == "" {
		name = defaultAgentName
	}
	tmpl, ok := greetings[agent.Type]
	if !ok {
		tmpl = greetings[domain.AgentChatbot]
	}
	return strings.ReplaceAll(tmpl, "{{agent_name}}", name)
}
