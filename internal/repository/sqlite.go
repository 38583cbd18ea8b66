package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"nexus-agent/internal/domain"
)

// SQLiteStore implements the same store surface as Client on a local SQLite
// file. It backs the development server and tests.
type SQLiteStore struct {
	clock
	db    *sql.DB
	newID func() string
}

// NewSQLite opens (creating if needed) the database at dbPath and applies the
// schema.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front so the escalation
	// compare-and-swap cannot interleave with another writer.
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		clock: clock{now: time.Now},
		db:    db,
		newID: uuid.NewString,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		call_ref TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at, id);

	CREATE TABLE IF NOT EXISTS escalation_periods (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		last_message_index INTEGER NOT NULL,
		is_escalated INTEGER NOT NULL,
		start_date INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_escalation_conv ON escalation_periods(conversation_id, start_date);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		activated INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id);

	CREATE TABLE IF NOT EXISTS knowledge_links (
		agent_id TEXT NOT NULL,
		kb_id TEXT NOT NULL,
		PRIMARY KEY (agent_id, kb_id)
	);

	CREATE TABLE IF NOT EXISTS forwarding_numbers (
		agent_id TEXT PRIMARY KEY,
		phone TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS widget_accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS administrators (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS phone_numbers (
		phone TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS phone_links (
		phone TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS voice_sessions (
		call_key TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		payload TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_voice_sessions_expires ON voice_sessions(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AppendMessage inserts msg if its conversation exists.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if !msg.Role.Valid() {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: invalid role %s", msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return domain.Message{}, errors.New("repository: AppendMessage: content is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: conversation %q: %w", msg.ConversationID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage lookup: %w", err)
	}

	msg.ID = s.newID()
	msg.CreatedAt = s.stamp()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, sender_id, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role.String(), msg.Content, msg.SenderID, msg.AgentID, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage commit: %w", err)
	}
	return msg, nil
}

const messageColumns = `id, conversation_id, role, content, sender_id, agent_id, created_at`

func (s *SQLiteStore) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: History query: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) LastMessages(ctx context.Context, conversationID string, n int) ([]domain.Message, error) {
	if n <= 0 {
		return []domain.Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("repository: LastMessages query: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("repository: CountMessages: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	msgs := []domain.Message{}
	for rows.Next() {
		var (
			m       domain.Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.SenderID, &m.AgentID, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		r, err := domain.ParseRole(role)
		if err != nil {
			return nil, err
		}
		m.Role = r
		m.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Escalation periods
// ---------------------------------------------------------------------------

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestEscalation(ctx context.Context, q rowQuerier, conversationID string) (*domain.EscalationPeriod, error) {
	var (
		p         domain.EscalationPeriod
		escalated int
		start     int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, conversation_id, last_message_index, is_escalated, start_date
		FROM escalation_periods
		WHERE conversation_id = ?
		ORDER BY start_date DESC, id DESC
		LIMIT 1`, conversationID).Scan(&p.ID, &p.ConversationID, &p.LastMessageIndex, &escalated, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.IsEscalated = escalated != 0
	p.StartDate = time.Unix(0, start).UTC()
	return &p, nil
}

func (s *SQLiteStore) LatestEscalation(ctx context.Context, conversationID string) (*domain.EscalationPeriod, error) {
	p, err := latestEscalation(ctx, s.db, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: LatestEscalation: %w", err)
	}
	return p, nil
}

// SaveEscalation upserts next when the newest period still equals prev.
func (s *SQLiteStore) SaveEscalation(ctx context.Context, next domain.EscalationPeriod, prev *domain.EscalationPeriod) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: SaveEscalation begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := latestEscalation(ctx, tx, next.ConversationID)
	if err != nil {
		return fmt.Errorf("repository: SaveEscalation read head: %w", err)
	}
	if !sameHead(head, prev) {
		return fmt.Errorf("repository: SaveEscalation: %w", domain.ErrConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalation_periods (id, conversation_id, last_message_index, is_escalated, start_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_index = excluded.last_message_index,
			is_escalated = excluded.is_escalated`,
		next.ID, next.ConversationID, next.LastMessageIndex, boolInt(next.IsEscalated), next.StartDate.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("repository: SaveEscalation write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: SaveEscalation commit: %w", err)
	}
	return nil
}

func sameHead(a, b *domain.EscalationPeriod) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID && a.IsEscalated == b.IsEscalated && a.LastMessageIndex == b.LastMessageIndex
}

func (s *SQLiteStore) ListEscalations(ctx context.Context, conversationID string) ([]domain.EscalationPeriod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, last_message_index, is_escalated, start_date
		FROM escalation_periods
		WHERE conversation_id = ?
		ORDER BY start_date ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListEscalations query: %w", err)
	}
	defer rows.Close()

	periods := []domain.EscalationPeriod{}
	for rows.Next() {
		var (
			p         domain.EscalationPeriod
			escalated int
			start     int64
		)
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.LastMessageIndex, &escalated, &start); err != nil {
			return nil, fmt.Errorf("scan escalation row: %w", err)
		}
		p.IsEscalated = escalated != 0
		p.StartDate = time.Unix(0, start).UTC()
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalation rows: %w", err)
	}
	return periods, nil
}

// ---------------------------------------------------------------------------
// Directory
// ---------------------------------------------------------------------------

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	if strings.TrimSpace(conv.ID) == "" {
		return domain.Conversation{}, errors.New("repository: CreateConversation: id is required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_id, account_id, call_ref, channel, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		conv.ID, conv.AgentID, conv.AccountID, conv.CallRef, string(conv.Channel), conv.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.GetConversation(ctx, conv.ID)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var (
		conv    domain.Conversation
		channel string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, account_id, call_ref, channel, created_at
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.AgentID, &conv.AccountID, &conv.CallRef, &channel, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	conv.Channel = domain.Channel(channel)
	conv.CreatedAt = time.Unix(0, created).UTC()
	return conv, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner_id, name, type, activated FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) AgentsByOwner(ctx context.Context, ownerID string) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, type, activated FROM agents
		WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("repository: AgentsByOwner query: %w", err)
	}
	defer rows.Close()

	agents := []domain.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: AgentsByOwner: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent rows: %w", err)
	}
	return agents, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (domain.Agent, error) {
	var (
		a         domain.Agent
		rawType   string
		activated int
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &rawType, &activated); err != nil {
		return domain.Agent{}, err
	}
	t, err := domain.ParseAgentType(rawType)
	if err != nil {
		return domain.Agent{}, err
	}
	a.Type = t
	a.Activated = activated != 0
	return a, nil
}

func (s *SQLiteStore) KnowledgeLinks(ctx context.Context, agentID string) ([]domain.KnowledgeLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kb_id FROM knowledge_links WHERE agent_id = ? ORDER BY kb_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("repository: KnowledgeLinks query: %w", err)
	}
	defer rows.Close()

	links := []domain.KnowledgeLink{}
	for rows.Next() {
		l := domain.KnowledgeLink{AgentID: agentID}
		if err := rows.Scan(&l.KnowledgeBaseID); err != nil {
			return nil, fmt.Errorf("scan knowledge link row: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge link rows: %w", err)
	}
	return links, nil
}

func (s *SQLiteStore) ForwardingNumber(ctx context.Context, agentID string) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx, `SELECT phone FROM forwarding_numbers WHERE agent_id = ?`, agentID).Scan(&phone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("repository: ForwardingNumber %q: %w", agentID, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("repository: ForwardingNumber: %w", err)
	}
	return phone, nil
}

func (s *SQLiteStore) GetWidgetAccount(ctx context.Context, id string) (domain.WidgetAccount, error) {
	acct := domain.WidgetAccount{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM widget_accounts WHERE id = ?`, id).Scan(&acct.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WidgetAccount{}, fmt.Errorf("repository: GetWidgetAccount %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.WidgetAccount{}, fmt.Errorf("repository: GetWidgetAccount: %w", err)
	}
	return acct, nil
}

func (s *SQLiteStore) GetAdministrator(ctx context.Context, id string) (domain.Administrator, error) {
	adm := domain.Administrator{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name, email FROM administrators WHERE id = ?`, id).Scan(&adm.Name, &adm.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Administrator{}, fmt.Errorf("repository: GetAdministrator %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Administrator{}, fmt.Errorf("repository: GetAdministrator: %w", err)
	}
	return adm, nil
}

func (s *SQLiteStore) PhoneNumber(ctx context.Context, phone string) (domain.PhoneNumber, error) {
	num := domain.PhoneNumber{Phone: phone}
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM phone_numbers WHERE phone = ?`, phone).Scan(&num.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PhoneNumber{}, fmt.Errorf("repository: PhoneNumber %q: %w", phone, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PhoneNumber{}, fmt.Errorf("repository: PhoneNumber: %w", err)
	}
	return num, nil
}

func (s *SQLiteStore) PhoneLink(ctx context.Context, phone string) (domain.PhoneLink, error) {
	link := domain.PhoneLink{Phone: phone}
	err := s.db.QueryRowContext(ctx, `SELECT agent_id FROM phone_links WHERE phone = ?`, phone).Scan(&link.AgentID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PhoneLink{}, fmt.Errorf("repository: PhoneLink %q: %w", phone, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PhoneLink{}, fmt.Errorf("repository: PhoneLink: %w", err)
	}
	return link, nil
}

// ---------------------------------------------------------------------------
// Directory writes (seeding for local runs)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) PutAgent(ctx context.Context, a domain.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, owner_id, name, type, activated) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			type = excluded.type,
			activated = excluded.activated`,
		a.ID, a.OwnerID, a.Name, string(a.Type), boolInt(a.Activated))
	if err != nil {
		return fmt.Errorf("repository: PutAgent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutKnowledgeLink(ctx context.Context, l domain.KnowledgeLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_links (agent_id, kb_id) VALUES (?, ?)
		ON CONFLICT(agent_id, kb_id) DO NOTHING`, l.AgentID, l.KnowledgeBaseID)
	if err != nil {
		return fmt.Errorf("repository: PutKnowledgeLink: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutForwardingNumber(ctx context.Context, agentID, phone string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forwarding_numbers (agent_id, phone) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET phone = excluded.phone`, agentID, phone)
	if err != nil {
		return fmt.Errorf("repository: PutForwardingNumber: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutWidgetAccount(ctx context.Context, a domain.WidgetAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO widget_accounts (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, a.ID, a.Name)
	if err != nil {
		return fmt.Errorf("repository: PutWidgetAccount: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutAdministrator(ctx context.Context, a domain.Administrator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO administrators (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`, a.ID, a.Name, a.Email)
	if err != nil {
		return fmt.Errorf("repository: PutAdministrator: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutPhoneNumber(ctx context.Context, n domain.PhoneNumber) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phone_numbers (phone, owner_id) VALUES (?, ?)
		ON CONFLICT(phone) DO UPDATE SET owner_id = excluded.owner_id`, n.Phone, n.OwnerID)
	if err != nil {
		return fmt.Errorf("repository: PutPhoneNumber: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutPhoneLink(ctx context.Context, l domain.PhoneLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phone_links (phone, agent_id) VALUES (?, ?)
		ON CONFLICT(phone) DO UPDATE SET agent_id = excluded.agent_id`, l.Phone, l.AgentID)
	if err != nil {
		return fmt.Errorf("repository: PutPhoneLink: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Voice sessions
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetSession(ctx context.Context, sessionKey string) (domain.VoiceCallSession, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM voice_sessions
		WHERE call_key = ? AND expires_at > ?`, sessionKey, s.now().Unix()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession %q: %w", sessionKey, domain.ErrNotFound)
	}
	if err != nil {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	var sess domain.VoiceCallSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, sess domain.VoiceCallSession, ttl time.Duration) error {
	if sess.Key == "" {
		return errors.New("repository: PutSession: key is required")
	}
	if ttl <= 0 {
		return errors.New("repository: PutSession: ttl must be positive")
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("repository: PutSession encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO voice_sessions (call_key, state, payload, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(call_key) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload,
			expires_at = excluded.expires_at`,
		sess.Key, sess.State, string(payload), s.now().Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("repository: PutSession: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM voice_sessions WHERE call_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("repository: DeleteSession: %w", err)
	}
	return nil
}

// PurgeExpiredSessions removes cached sessions past their expiry.
func (s *SQLiteStore) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM voice_sessions WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("repository: PurgeExpiredSessions: %w", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
