package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"nexus-agent/internal/domain"
)

const (
	skPrefixEsc = "ESC#"
	// skEscHead mirrors the newest period so a toggle can be written with a
	// single conditional check on it.
	skEscHead = "ESCHEAD#"
)

func escSK(p domain.EscalationPeriod) string {
	return skPrefixEsc + formatTime(p.StartDate) + "#" + p.ID
}

// LatestEscalation returns the newest escalation period, or nil when the
// conversation was never escalated.
func (c *Client) LatestEscalation(ctx context.Context, conversationID string) (*domain.EscalationPeriod, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skEscHead),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: LatestEscalation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	p, err := itemToEscalation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: LatestEscalation unmarshal: %w", err)
	}
	return &p, nil
}

// SaveEscalation writes next and moves the head to it, provided the head still
// matches prev. A moved head fails with domain.ErrConflict.
func (c *Client) SaveEscalation(ctx context.Context, next domain.EscalationPeriod, prev *domain.EscalationPeriod) error {
	head := escalationItem(next, skEscHead)
	headPut := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      head,
	}
	if prev == nil {
		headPut.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		headPut.ConditionExpression = aws.String("periodId = :pid AND isEscalated = :esc AND lastMessageIndex = :idx")
		headPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":pid": &types.AttributeValueMemberS{Value: prev.ID},
			":esc": &types.AttributeValueMemberBOOL{Value: prev.IsEscalated},
			":idx": numAttr(int64(prev.LastMessageIndex)),
		}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: headPut},
			{Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      escalationItem(next, escSK(next)),
			}},
		},
	})
	if err != nil {
		if conditionFailedAt(err, 0) {
			return fmt.Errorf("repository: SaveEscalation: %w", domain.ErrConflict)
		}
		return fmt.Errorf("repository: SaveEscalation: %w", err)
	}
	return nil
}

// ListEscalations returns every period of a conversation ordered by start date.
func (c *Client) ListEscalations(ctx context.Context, conversationID string) ([]domain.EscalationPeriod, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixEsc},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListEscalations query: %w", err)
	}
	periods := make([]domain.EscalationPeriod, 0, len(items))
	for _, item := range items {
		p, err := itemToEscalation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListEscalations unmarshal: %w", err)
		}
		periods = append(periods, p)
	}
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].StartDate.Before(periods[j].StartDate)
	})
	return periods, nil
}

func escalationItem(p domain.EscalationPeriod, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: convPK(p.ConversationID)},
		"SK":               &types.AttributeValueMemberS{Value: sk},
		"periodId":         &types.AttributeValueMemberS{Value: p.ID},
		"conversationId":   &types.AttributeValueMemberS{Value: p.ConversationID},
		"lastMessageIndex": &types.AttributeValueMemberN{Value: strconv.Itoa(p.LastMessageIndex)},
		"isEscalated":      &types.AttributeValueMemberBOOL{Value: p.IsEscalated},
		"startDate":        &types.AttributeValueMemberS{Value: formatTime(p.StartDate)},
	}
}

func itemToEscalation(item map[string]types.AttributeValue) (domain.EscalationPeriod, error) {
	id, err := strAttr(item, "periodId")
	if err != nil {
		return domain.EscalationPeriod{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.EscalationPeriod{}, err
	}
	idx, err := intAttr(item, "lastMessageIndex")
	if err != nil {
		return domain.EscalationPeriod{}, err
	}
	escalated, err := boolAttr(item, "isEscalated")
	if err != nil {
		return domain.EscalationPeriod{}, err
	}
	rawStart, err := strAttr(item, "startDate")
	if err != nil {
		return domain.EscalationPeriod{}, err
	}
	start, err := parseTime(rawStart)
	if err != nil {
		return domain.EscalationPeriod{}, fmt.Errorf("repository: parse startDate: %w", err)
	}
	return domain.EscalationPeriod{
		ID:               id,
		ConversationID:   convID,
		LastMessageIndex: idx,
		IsEscalated:      escalated,
		StartDate:        start,
	}, nil
}
