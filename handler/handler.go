package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"nexus-agent/internal/domain"
	"nexus-agent/internal/usecase"
	"nexus-agent/internal/voice"
)

const (
	correlationHeader = "X-Correlation-Id"
	principalHeader   = "X-Principal-Id"
	maxBodyBytes      = 1 << 20
)

// ConversationService is the text conversation surface.
type ConversationService interface {
	StartConversation(ctx context.Context, accountID, agentID string) (domain.Conversation, error)
	ProcessTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	ToggleEscalation(ctx context.Context, conversationID, adminID string) (domain.EscalationPeriod, error)
	Transcript(ctx context.Context, conversationID, adminID string) ([]usecase.TranscriptEntry, error)
}

// VoiceService answers telephony webhooks.
type VoiceService interface {
	HandleIncomingCall(ctx context.Context, p voice.CallParams) *voice.Response
	ProcessVoiceCall(ctx context.Context, agentType domain.AgentType, p voice.CallParams) *voice.Response
	ErrorReply() *voice.Response
}

// TokenSource returns the auth token used to verify webhook signatures.
type TokenSource func(ctx context.Context) (string, error)

type Handler struct {
	conv          ConversationService
	calls         VoiceService
	token         TokenSource
	publicBaseURL string
	log           *slog.Logger
	newID         func() string
}

type Option func(*Handler)

// WithTwilioAuthToken verifies voice webhooks with a fixed token.
func WithTwilioAuthToken(token string) Option {
	return func(h *Handler) {
		token = strings.TrimSpace(token)
		if token == "" {
			return
		}
		h.token = func(context.Context) (string, error) { return token, nil }
	}
}

// WithTwilioTokenSource verifies voice webhooks with a token resolved per
// request, typically from Parameter Store.
func WithTwilioTokenSource(src TokenSource) Option {
	return func(h *Handler) {
		h.token = src
	}
}

// WithPublicBaseURL sets the externally visible root that webhook signatures
// were computed against.
func WithPublicBaseURL(base string) Option {
	return func(h *Handler) {
		h.publicBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHandler(conv ConversationService, calls VoiceService, opts ...Option) (*Handler, error) {
	if conv == nil {
		return nil, errors.New("handler: conversation service must not be nil")
	}
	if calls == nil {
		return nil, errors.New("handler: voice service must not be nil")
	}
	h := &Handler{
		conv:  conv,
		calls: calls,
		log:   slog.Default(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.token != nil && h.publicBaseURL == "" {
		return nil, errors.New("handler: public base URL is required to verify webhook signatures")
	}
	if h.token == nil {
		h.log.Warn("handler: voice webhook signatures are not verified")
	}
	return h, nil
}

// Handle is the API Gateway proxy entrypoint.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = h.newID()
	}
	log := h.log.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	resp := h.route(ctx, log, req, correlationID)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = correlationID
	return resp, nil
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, cid string) events.APIGatewayProxyResponse {
	seg := splitPath(req.Path)
	method := req.HTTPMethod

	switch {
	case len(seg) == 1 && seg[0] == "conversation" && method == http.MethodPost:
		return h.startConversation(ctx, log, req, cid)
	case len(seg) == 3 && seg[0] == "conversation" && seg[1] == "process" && method == http.MethodPost:
		return h.processTurn(ctx, log, req, cid, seg[2])
	case len(seg) == 3 && seg[0] == "conversation" && seg[1] == "escalate" && method == http.MethodPost:
		return h.toggleEscalation(ctx, log, req, cid, seg[2])
	case len(seg) == 3 && seg[0] == "conversation" && seg[2] == "messages" && method == http.MethodGet:
		return h.transcript(ctx, log, req, cid, seg[1])
	case len(seg) == 1 && seg[0] == "voice" && method == http.MethodPost:
		return h.voiceWebhook(ctx, log, req, "")
	case len(seg) == 3 && seg[0] == "voice" && seg[1] == "process" && method == http.MethodPost:
		return h.voiceWebhook(ctx, log, req, seg[2])
	default:
		return errorJSON(http.StatusNotFound, usecase.ErrorNotFound, "route_not_found", cid)
	}
}

// ---- conversations ----

type startRequest struct {
	AgentID string `json:"agentId"`
}

type conversationResponse struct {
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId"`
	CreatedAt      time.Time `json:"createdAt"`
}

type turnRequest struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

type turnResponse struct {
	UserQuery string `json:"userQuery,omitempty"`
	Response  string `json:"response"`
}

type escalationResponse struct {
	PeriodID         string    `json:"periodId"`
	IsEscalated      bool      `json:"isEscalated"`
	LastMessageIndex int       `json:"lastMessageIndex"`
	StartDate        time.Time `json:"startDate"`
}

type transcriptItem struct {
	Type        string    `json:"type"`
	At          time.Time `json:"at"`
	ID          string    `json:"id"`
	Role        string    `json:"role,omitempty"`
	Content     string    `json:"content,omitempty"`
	SenderID    string    `json:"senderId,omitempty"`
	IsEscalated *bool     `json:"isEscalated,omitempty"`
}

type transcriptResponse struct {
	ConversationID string           `json:"conversationId"`
	Entries        []transcriptItem `json:"entries"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (h *Handler) startConversation(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, cid string) events.APIGatewayProxyResponse {
	principal, ok := principalOf(req)
	if !ok {
		return errorJSON(http.StatusForbidden, usecase.ErrorForbidden, "missing_principal", cid)
	}
	var body startRequest
	if err := decodeJSON(req, &body); err != nil {
		return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body", cid)
	}
	conv, err := h.conv.StartConversation(ctx, principal, body.AgentID)
	if err != nil {
		return h.failure(log, err, cid)
	}
	log.Info("conversation started", "conversation_id", conv.ID, "agent_id", conv.AgentID)
	return jsonResponse(http.StatusCreated, conversationResponse{
		ConversationID: conv.ID,
		AgentID:        conv.AgentID,
		CreatedAt:      conv.CreatedAt,
	})
}

func (h *Handler) processTurn(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, cid, convID string) events.APIGatewayProxyResponse {
	principal, ok := principalOf(req)
	if !ok {
		return errorJSON(http.StatusForbidden, usecase.ErrorForbidden, "missing_principal", cid)
	}
	var body turnRequest
	if err := decodeJSON(req, &body); err != nil {
		return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body", cid)
	}
	out, err := h.conv.ProcessTurn(ctx, usecase.TurnInput{
		ConversationID: convID,
		CallerID:       principal,
		Query:          body.Query,
		Response:       body.Response,
	})
	if err != nil {
		return h.failure(log.With("conversation_id", convID), err, cid)
	}
	return jsonResponse(http.StatusOK, turnResponse{UserQuery: out.UserQuery, Response: out.Response})
}

func (h *Handler) toggleEscalation(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, cid, convID string) events.APIGatewayProxyResponse {
	principal, ok := principalOf(req)
	if !ok {
		return errorJSON(http.StatusForbidden, usecase.ErrorForbidden, "missing_principal", cid)
	}
	p, err := h.conv.ToggleEscalation(ctx, convID, principal)
	if err != nil {
		return h.failure(log.With("conversation_id", convID), err, cid)
	}
	return jsonResponse(http.StatusOK, escalationResponse{
		PeriodID:         p.ID,
		IsEscalated:      p.IsEscalated,
		LastMessageIndex: p.LastMessageIndex,
		StartDate:        p.StartDate,
	})
}

func (h *Handler) transcript(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, cid, convID string) events.APIGatewayProxyResponse {
	principal, ok := principalOf(req)
	if !ok {
		return errorJSON(http.StatusForbidden, usecase.ErrorForbidden, "missing_principal", cid)
	}
	entries, err := h.conv.Transcript(ctx, convID, principal)
	if err != nil {
		return h.failure(log.With("conversation_id", convID), err, cid)
	}
	out := transcriptResponse{ConversationID: convID, Entries: make([]transcriptItem, 0, len(entries))}
	for _, e := range entries {
		switch {
		case e.Message != nil:
			out.Entries = append(out.Entries, transcriptItem{
				Type:     "message",
				At:       e.At,
				ID:       e.Message.ID,
				Role:     e.Message.Role.String(),
				Content:  e.Message.Content,
				SenderID: e.Message.SenderID,
			})
		case e.Escalation != nil:
			escalated := e.Escalation.IsEscalated
			out.Entries = append(out.Entries, transcriptItem{
				Type:        "escalation",
				At:          e.At,
				ID:          e.Escalation.ID,
				IsEscalated: &escalated,
			})
		}
	}
	return jsonResponse(http.StatusOK, out)
}

// failure maps a usecase error to its HTTP status. Anything unrecognised is
// an internal error.
func (h *Handler) failure(log *slog.Logger, err error, cid string) events.APIGatewayProxyResponse {
	code := usecase.CodeOf(err)
	reason := ""
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		reason = ucErr.Reason
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", code, "reason", reason, "err", err)
	} else {
		log.Warn("request rejected", "code", code, "reason", reason)
	}
	return errorJSON(status, code, reason, cid)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorForbidden,
		usecase.ErrorConversationEscalated,
		usecase.ErrorConversationNotEscalated,
		usecase.ErrorAgentUnavailable:
		return http.StatusForbidden
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorGenerationFailed, usecase.ErrorRetrievalFailed:
		return http.StatusBadGateway
	case usecase.ErrorNoKnowledgeBase:
		return http.StatusUnprocessableEntity
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ---- voice ----

// voiceWebhook answers a telephony callback. An empty slug is a new call.
func (h *Handler) voiceWebhook(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, slug string) events.APIGatewayProxyResponse {
	raw, err := requestBody(req)
	if err != nil {
		return plainResponse(http.StatusBadRequest, "invalid body")
	}
	form, err := url.ParseQuery(raw)
	if err != nil {
		return plainResponse(http.StatusBadRequest, "invalid form")
	}

	if h.token != nil {
		token, err := h.token(ctx)
		if err != nil {
			log.Error("voice: resolve auth token failed", "err", err)
			return h.voiceFailure(log)
		}
		if !validSignature(token, h.signedURL(ctx, req), form, headerValue(req.Headers, signatureHeader)) {
			log.Warn("voice: invalid webhook signature")
			return plainResponse(http.StatusForbidden, "invalid signature")
		}
	}

	params := voice.ParseCallParams(form)
	var twiml *voice.Response
	if slug == "" {
		twiml = h.calls.HandleIncomingCall(ctx, params)
	} else {
		agentType, err := domain.ParseAgentType(slug)
		if err != nil {
			return plainResponse(http.StatusNotFound, "unknown agent type")
		}
		twiml = h.calls.ProcessVoiceCall(ctx, agentType, params)
	}

	body, err := twiml.Render()
	if err != nil {
		log.Error("voice: render failed", "err", err)
		return h.voiceFailure(log)
	}
	return twimlResponse(body)
}

// voiceFailure answers with the error cue and a hangup so the caller hears
// something before the line drops.
func (h *Handler) voiceFailure(log *slog.Logger) events.APIGatewayProxyResponse {
	body, err := h.calls.ErrorReply().Render()
	if err != nil {
		log.Error("voice: render error reply failed", "err", err)
		return plainResponse(http.StatusInternalServerError, "internal error")
	}
	return twimlResponse(body)
}

func twimlResponse(body []byte) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/xml"},
		Body:       string(body),
	}
}

type rawQueryKey struct{}

// signedURL rebuilds the URL Twilio signed. The local adapter passes the
// query exactly as received; API Gateway only hands over parsed parameters,
// so the query is re-encoded from them.
func (h *Handler) signedURL(ctx context.Context, req events.APIGatewayProxyRequest) string {
	u := h.publicBaseURL + req.Path
	if raw, _ := ctx.Value(rawQueryKey{}).(string); raw != "" {
		return u + "?" + raw
	}
	q := url.Values{}
	for k, vs := range req.MultiValueQueryStringParameters {
		q[k] = vs
	}
	if len(q) == 0 {
		for k, v := range req.QueryStringParameters {
			q.Set(k, v)
		}
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// ---- local HTTP adapter ----

// ServeHTTP adapts a plain HTTP request to Handle for local runs. The caller
// identity is taken from the X-Principal-Id header in place of an authorizer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	event := events.APIGatewayProxyRequest{
		HTTPMethod:                      r.Method,
		Path:                            r.URL.Path,
		Headers:                         headers,
		MultiValueQueryStringParameters: r.URL.Query(),
		Body:                            string(body),
	}
	if p := strings.TrimSpace(r.Header.Get(principalHeader)); p != "" {
		event.RequestContext.Authorizer = map[string]interface{}{"principalId": p}
	}

	ctx := r.Context()
	if r.URL.RawQuery != "" {
		ctx = context.WithValue(ctx, rawQueryKey{}, r.URL.RawQuery)
	}
	resp, _ := h.Handle(ctx, event)
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

// ---- helpers ----

func principalOf(req events.APIGatewayProxyRequest) (string, bool) {
	v, ok := req.RequestContext.Authorizer["principalId"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func requestBody(req events.APIGatewayProxyRequest) (string, error) {
	if !req.IsBase64Encoded {
		return req.Body, nil
	}
	b, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return "", fmt.Errorf("decode base64 body: %w", err)
	}
	return string(b), nil
}

func decodeJSON(req events.APIGatewayProxyRequest, v any) error {
	raw, err := requestBody(req)
	if err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty body")
	}
	return json.Unmarshal([]byte(raw), v)
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return plainResponse(http.StatusInternalServerError, "internal error")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func errorJSON(status int, code usecase.ErrorCode, reason, cid string) events.APIGatewayProxyResponse {
	return jsonResponse(status, errorResponse{Error: string(code), Reason: reason, CorrelationID: cid})
}

func plainResponse(status int, msg string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       msg,
	}
}
