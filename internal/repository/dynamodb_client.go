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
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps a DynamoDB table used as a shared key/value cache. The
// table is keyed by a single string attribute PK and relies on DynamoDB
// TTL on the expiresAt attribute to drop stale entries.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a cache Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// Get returns the string value stored under key, or "" if the key is
// absent. Consistent read so a thread written by a previous invocation is
// visible immediately.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: Get %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", nil
	}
	v, ok := out.Item["val"]
	if !ok {
		return "", nil
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: Get %q: attribute val is not a string", key)
	}
	return s.Value, nil
}

// Set writes value under key. A zero ttl stores the entry without expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	return c.put(ctx, key, value, expiresAt)
}

// SetUntil writes value under key with an absolute expiry timestamp.
func (c *Client) SetUntil(ctx context.Context, key, value string, expiresAt time.Time) error {
	return c.put(ctx, key, value, expiresAt)
}

func (c *Client) put(ctx context.Context, key, value string, expiresAt time.Time) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("repository: Set: key is required")
	}
	item := map[string]types.AttributeValue{
		"PK":  &types.AttributeValueMemberS{Value: key},
		"val": &types.AttributeValueMemberS{Value: value},
	}
	if !expiresAt.IsZero() {
		item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)}
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: Set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       keyAttr(key),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete %q: %w", key, err)
	}
	return nil
}

// Increment atomically adds one to the counter under key and returns the
// post-increment value. The expiry is written only when the counter is
// created, so redeliveries continue the same sequence instead of pushing
// the window out.
func (c *Client) Increment(ctx context.Context, key string, ttl time.Duration) (int, error) {
	if strings.TrimSpace(key) == "" {
		return 0, errors.New("repository: Increment: key is required")
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              keyAttr(key),
		UpdateExpression: aws.String("ADD attempts :one SET expiresAt = if_not_exists(expiresAt, :exp)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":exp": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: Increment %q: %w", key, err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return 0, fmt.Errorf("repository: Increment %q: no attributes returned", key)
	}
	count, err := intAttr(out.Attributes, "attempts")
	if err != nil {
		return 0, fmt.Errorf("repository: Increment %q: %w", key, err)
	}
	return count, nil
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key},
	}
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
