package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"nexus-agent/internal/domain"
)

// Directory items are written by the dashboard; this service only reads them,
// except for conversations which it creates on first contact.
const (
	skPrefixAgent = "AGENT#"
	skPrefixKB    = "KB#"
	skForward     = "FORWARD#"
	skOwner       = "OWNER#"
	skLink        = "LINK#"
)

func agentPK(id string) string   { return "AGENT#" + id }
func ownerPK(id string) string   { return "OWNER#" + id }
func accountPK(id string) string { return "ACCOUNT#" + id }
func adminPK(id string) string   { return "ADMIN#" + id }
func phonePK(p string) string    { return "PHONE#" + p }

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(pk, sk),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, domain.ErrNotFound
	}
	return out.Item, nil
}

// CreateConversation stores conv unless a conversation with the same id
// exists, in which case the stored one is returned.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	if strings.TrimSpace(conv.ID) == "" {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: id is required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = c.now().UTC()
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return c.GetConversation(ctx, conv.ID)
		}
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	item, err := c.getItem(ctx, convPK(id), skMeta)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation %q: %w", id, err)
	}
	conv, err := itemToConversation(item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	return conv, nil
}

func (c *Client) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	item, err := c.getItem(ctx, agentPK(id), skMeta)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent %q: %w", id, err)
	}
	agent, err := itemToAgent(item)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent unmarshal: %w", err)
	}
	return agent, nil
}

// AgentsByOwner reads the per-owner index items, which carry a copy of the
// agent attributes.
func (c *Client) AgentsByOwner(ctx context.Context, ownerID string) ([]domain.Agent, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: ownerPK(ownerID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixAgent},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: AgentsByOwner query: %w", err)
	}
	agents := make([]domain.Agent, 0, len(items))
	for _, item := range items {
		a, err := itemToAgent(item)
		if err != nil {
			return nil, fmt.Errorf("repository: AgentsByOwner unmarshal: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func (c *Client) KnowledgeLinks(ctx context.Context, agentID string) ([]domain.KnowledgeLink, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: agentPK(agentID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixKB},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: KnowledgeLinks query: %w", err)
	}
	links := make([]domain.KnowledgeLink, 0, len(items))
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return nil, fmt.Errorf("repository: KnowledgeLinks unmarshal: %w", err)
		}
		links = append(links, domain.KnowledgeLink{
			AgentID:         agentID,
			KnowledgeBaseID: strings.TrimPrefix(sk, skPrefixKB),
		})
	}
	return links, nil
}

// ForwardingNumber returns the transfer target of an agent, or
// domain.ErrNotFound when none is configured.
func (c *Client) ForwardingNumber(ctx context.Context, agentID string) (string, error) {
	item, err := c.getItem(ctx, agentPK(agentID), skForward)
	if err != nil {
		return "", fmt.Errorf("repository: ForwardingNumber %q: %w", agentID, err)
	}
	phone, err := strAttr(item, "phone")
	if err != nil {
		return "", fmt.Errorf("repository: ForwardingNumber unmarshal: %w", err)
	}
	return phone, nil
}

func (c *Client) GetWidgetAccount(ctx context.Context, id string) (domain.WidgetAccount, error) {
	item, err := c.getItem(ctx, accountPK(id), skMeta)
	if err != nil {
		return domain.WidgetAccount{}, fmt.Errorf("repository: GetWidgetAccount %q: %w", id, err)
	}
	name, _ := strAttr(item, "name")
	return domain.WidgetAccount{ID: id, Name: name}, nil
}

func (c *Client) GetAdministrator(ctx context.Context, id string) (domain.Administrator, error) {
	item, err := c.getItem(ctx, adminPK(id), skMeta)
	if err != nil {
		return domain.Administrator{}, fmt.Errorf("repository: GetAdministrator %q: %w", id, err)
	}
	name, _ := strAttr(item, "name")
	email, _ := strAttr(item, "email")
	return domain.Administrator{ID: id, Name: name, Email: email}, nil
}

// PhoneNumber resolves a purchased number to its owner.
func (c *Client) PhoneNumber(ctx context.Context, phone string) (domain.PhoneNumber, error) {
	item, err := c.getItem(ctx, phonePK(phone), skOwner)
	if err != nil {
		return domain.PhoneNumber{}, fmt.Errorf("repository: PhoneNumber %q: %w", phone, err)
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return domain.PhoneNumber{}, fmt.Errorf("repository: PhoneNumber unmarshal: %w", err)
	}
	return domain.PhoneNumber{Phone: phone, OwnerID: owner}, nil
}

// PhoneLink resolves a number to the agent answering it.
func (c *Client) PhoneLink(ctx context.Context, phone string) (domain.PhoneLink, error) {
	item, err := c.getItem(ctx, phonePK(phone), skLink)
	if err != nil {
		return domain.PhoneLink{}, fmt.Errorf("repository: PhoneLink %q: %w", phone, err)
	}
	agentID, err := strAttr(item, "agentId")
	if err != nil {
		return domain.PhoneLink{}, fmt.Errorf("repository: PhoneLink unmarshal: %w", err)
	}
	return domain.PhoneLink{Phone: phone, AgentID: agentID}, nil
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"agentId":        &types.AttributeValueMemberS{Value: conv.AgentID},
		"accountId":      &types.AttributeValueMemberS{Value: conv.AccountID},
		"callRef":        &types.AttributeValueMemberS{Value: conv.CallRef},
		"channel":        &types.AttributeValueMemberS{Value: string(conv.Channel)},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(conv.CreatedAt)},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	agentID, err := strAttr(item, "agentId")
	if err != nil {
		return domain.Conversation{}, err
	}
	accountID, _ := strAttr(item, "accountId") // empty for voice
	callRef, _ := strAttr(item, "callRef")     // empty for text
	channel, _ := strAttr(item, "channel")
	conv := domain.Conversation{
		ID:        id,
		AgentID:   agentID,
		AccountID: accountID,
		CallRef:   callRef,
		Channel:   domain.Channel(channel),
	}
	if raw, err := strAttr(item, "createdAt"); err == nil {
		if ts, err := parseTime(raw); err == nil {
			conv.CreatedAt = ts
		}
	}
	return conv, nil
}

func itemToAgent(item map[string]types.AttributeValue) (domain.Agent, error) {
	id, err := strAttr(item, "agentId")
	if err != nil {
		return domain.Agent{}, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return domain.Agent{}, err
	}
	rawType, err := strAttr(item, "type")
	if err != nil {
		return domain.Agent{}, err
	}
	agentType, err := domain.ParseAgentType(rawType)
	if err != nil {
		return domain.Agent{}, err
	}
	activated, err := boolAttr(item, "activated")
	if err != nil {
		return domain.Agent{}, err
	}
	name, _ := strAttr(item, "name")
	return domain.Agent{
		ID:        id,
		OwnerID:   owner,
		Name:      name,
		Type:      agentType,
		Activated: activated,
	}, nil
}
