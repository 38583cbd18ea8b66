package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"nexus-agent/internal/domain"
)

const skSession = "SESSION#"

func callPK(sessionKey string) string { return "CALL#" + sessionKey }

// GetSession loads a voice call session. Items past their ttl are treated as
// missing since DynamoDB deletes expired items lazily.
func (c *Client) GetSession(ctx context.Context, sessionKey string) (domain.VoiceCallSession, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(callPK(sessionKey), skSession),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession %q: %w", sessionKey, domain.ErrNotFound)
	}
	expires, err := int64Attr(out.Item, "ttl")
	if err != nil {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession unmarshal: %w", err)
	}
	if c.now().Unix() >= expires {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession %q expired: %w", sessionKey, domain.ErrNotFound)
	}
	payload, err := strAttr(out.Item, "payload")
	if err != nil {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession unmarshal: %w", err)
	}
	var s domain.VoiceCallSession
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return domain.VoiceCallSession{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	return s, nil
}

// PutSession replaces the session and pushes its expiry ttl into the future.
func (c *Client) PutSession(ctx context.Context, s domain.VoiceCallSession, ttl time.Duration) error {
	if s.Key == "" {
		return errors.New("repository: PutSession: key is required")
	}
	if ttl <= 0 {
		return errors.New("repository: PutSession: ttl must be positive")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("repository: PutSession encode: %w", err)
	}
	item := key(callPK(s.Key), skSession)
	item["payload"] = &types.AttributeValueMemberS{Value: string(payload)}
	item["state"] = &types.AttributeValueMemberS{Value: s.State}
	item["ttl"] = numAttr(c.now().Add(ttl).Unix())

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: PutSession: %w", err)
	}
	return nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionKey string) error {
	if _, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(callPK(sessionKey), skSession),
	}); err != nil {
		return fmt.Errorf("repository: DeleteSession: %w", err)
	}
	return nil
}
