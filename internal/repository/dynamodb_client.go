package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"convo-relay/internal/domain"
)

const (
	skDebounce = "DEBOUNCE"
	skLock     = "LOCK"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// StateStore defines the shared relay state operations consumed by the
// pipeline: the per-contact debounce snapshot and the turn lock lease.
type StateStore interface {
	RecordUpdate(ctx context.Context, rec domain.TurnRecord, window time.Duration) (created bool, err error)
	TryAcquireLock(ctx context.Context, endUserKey, holder string, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, endUserKey string) error
}

// Client wraps a DynamoDB table holding relay coordination state. The table
// is the source of truth for debounce snapshots and the distributed turn
// lock only, never for durable business data.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new state Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// contactPK returns the partition key for an end-user key.
func contactPK(endUserKey string) string {
	return "CONTACT#" + endUserKey
}

// RecordUpdate overwrites the debounce snapshot for the record's end-user
// key and resets its TTL to now+window. It reports whether this created a
// fresh entry (no live prior snapshot) or refreshed an existing one. The
// TTL is a self-cleaning safety net; expiry triggers nothing.
func (c *Client) RecordUpdate(ctx context.Context, rec domain.TurnRecord, window time.Duration) (bool, error) {
	if rec.EndUserKey == "" {
		return false, errors.New("repository: RecordUpdate: end-user key is required")
	}
	now := time.Now()

	out, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:    aws.String(c.tableName),
		Item:         debounceItem(rec, now.Add(window)),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("repository: RecordUpdate: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return true, nil
	}
	// A leftover snapshot whose TTL already lapsed counts as absent: native
	// TTL deletion can lag expiry by minutes.
	expires, err := int64Attr(out.Attributes, "ttl")
	if err != nil {
		return true, nil
	}
	return expires <= now.Unix(), nil
}

// TryAcquireLock atomically creates the lock item for the key unless an
// unexpired lease exists. A held, live lock yields (false, nil); the lease
// of a crashed holder is claimable once lease_expires_at passes.
func (c *Client) TryAcquireLock(ctx context.Context, endUserKey, holder string, lease time.Duration) (bool, error) {
	if endUserKey == "" || holder == "" {
		return false, errors.New("repository: TryAcquireLock: key and holder are required")
	}
	now := time.Now()
	expiresAt := now.Add(lease).Unix()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":               &types.AttributeValueMemberS{Value: contactPK(endUserKey)},
			"SK":               &types.AttributeValueMemberS{Value: skLock},
			"holder":           &types.AttributeValueMemberS{Value: holder},
			"lease_expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
			"ttl":              &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR lease_expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("repository: TryAcquireLock: %w", err)
	}
	return true, nil
}

// ReleaseLock deletes the lock item unconditionally. Only the holder calls
// this; deleting an already-absent lock is not an error.
func (c *Client) ReleaseLock(ctx context.Context, endUserKey string) error {
	if endUserKey == "" {
		return errors.New("repository: ReleaseLock: end-user key is required")
	}
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: contactPK(endUserKey)},
			"SK": &types.AttributeValueMemberS{Value: skLock},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ReleaseLock: %w", err)
	}
	return nil
}

func debounceItem(rec domain.TurnRecord, expiresAt time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: contactPK(rec.EndUserKey)},
		"SK":               &types.AttributeValueMemberS{Value: skDebounce},
		"turn_id":          &types.AttributeValueMemberS{Value: rec.TurnID},
		"thread_ref":       &types.AttributeValueMemberS{Value: rec.ThreadRef},
		"agent_ref":        &types.AttributeValueMemberS{Value: rec.AgentRef},
		"message_text":     &types.AttributeValueMemberS{Value: rec.MessageText},
		"conversation_ref": &types.AttributeValueMemberS{Value: rec.ConversationRef},
		"received_at":      &types.AttributeValueMemberS{Value: rec.ReceivedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":              &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)},
	}
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
