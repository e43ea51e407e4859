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

	"ledger-agent/internal/domain"
)

const (
	skSession         = "SESSION"
	defaultSessionTTL = 30 * time.Minute
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Client stores conversation sessions in a DynamoDB table, one item per
// session. Items expire through the table's TTL attribute.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithSessionTTL sets how long an idle session is kept before DynamoDB
// expires it.
func WithSessionTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock overrides the clock used to detect expired items.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, ttl: defaultSessionTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func sessionKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skSession},
	}
}

// Insert writes a new session, failing if the id is already taken.
func (c *Client) Insert(ctx context.Context, s domain.ConversationSession) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.sessionItem(s),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Insert: %w", mapConditionErr(err))
	}
	return nil
}

// Get reads a session with a consistent read. DynamoDB removes expired items
// lazily, so an item past its ttl is reported as not found.
func (c *Client) Get(ctx context.Context, conversationID string) (domain.ConversationSession, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            sessionKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationSession{}, fmt.Errorf("repository: Get get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationSession{}, fmt.Errorf("repository: Get %q: %w", conversationID, domain.ErrNotFound)
	}
	if exp, err := int64Attr(out.Item, "ttl"); err == nil && exp < c.now().Unix() {
		return domain.ConversationSession{}, fmt.Errorf("repository: Get %q expired: %w", conversationID, domain.ErrNotFound)
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return domain.ConversationSession{}, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return s, nil
}

// Save replaces the session item if its stored version still matches. A
// missing item also fails the condition and is reported as a conflict.
func (c *Client) Save(ctx context.Context, s domain.ConversationSession) (domain.ConversationSession, error) {
	next := s.Clone()
	next.Version = s.Version + 1

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.sessionItem(next),
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.Version, 10)},
		},
	})
	if err != nil {
		return domain.ConversationSession{}, fmt.Errorf("repository: Save: %w", mapConditionErr(err))
	}
	return next, nil
}

// Delete removes the session item. DynamoDB treats deleting an absent key as
// success.
func (c *Client) Delete(ctx context.Context, conversationID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       sessionKey(conversationID),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// DeleteIdle removes the session item only while its version still matches.
// An absent item counts as deleted.
func (c *Client) DeleteIdle(ctx context.Context, conversationID string, version int64) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 sessionKey(conversationID),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": numAttr(version),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteIdle: %w", mapConditionErr(err))
	}
	return nil
}

// ListIdle scans for sessions last accessed before the given instant.
func (c *Client) ListIdle(ctx context.Context, before time.Time) ([]domain.ConversationSession, error) {
	var (
		out      []domain.ConversationSession
		startKey map[string]types.AttributeValue
	)
	for {
		page, err := c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(c.tableName),
			FilterExpression: aws.String("SK = :sk AND lastAccessedEpoch < :before"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sk":     &types.AttributeValueMemberS{Value: skSession},
				":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(before.UnixMilli(), 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListIdle scan: %w", err)
		}
		for _, item := range page.Items {
			s, err := itemToSession(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListIdle unmarshal: %w", err)
			}
			out = append(out, s)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

func mapConditionErr(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

func (c *Client) sessionItem(s domain.ConversationSession) map[string]types.AttributeValue {
	msgs := make([]types.AttributeValue, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: m.Role},
			"content": &types.AttributeValueMemberS{Value: m.Content},
		}})
	}
	return map[string]types.AttributeValue{
		"PK":                &types.AttributeValueMemberS{Value: convPK(s.ConversationID)},
		"SK":                &types.AttributeValueMemberS{Value: skSession},
		"conversationId":    &types.AttributeValueMemberS{Value: s.ConversationID},
		"userId":            numAttr(s.UserID),
		"bookId":            numAttr(s.BookID),
		"state":             &types.AttributeValueMemberS{Value: string(s.State)},
		"messages":          &types.AttributeValueMemberL{Value: msgs},
		"slots":             slotsItem(s.Slots),
		"createdAt":         &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"lastAccessedAt":    &types.AttributeValueMemberS{Value: s.LastAccessedAt.UTC().Format(time.RFC3339Nano)},
		"lastAccessedEpoch": numAttr(s.LastAccessedAt.UnixMilli()),
		"version":           numAttr(s.Version),
		"ttl":               numAttr(s.LastAccessedAt.Add(c.ttl).Unix()),
	}
}

func slotsItem(sl domain.Slots) *types.AttributeValueMemberM {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"type":          &types.AttributeValueMemberS{Value: sl.Type},
		"amount":        &types.AttributeValueMemberS{Value: sl.Amount},
		"date":          &types.AttributeValueMemberS{Value: sl.Date},
		"category":      &types.AttributeValueMemberS{Value: sl.Category},
		"paymentMethod": &types.AttributeValueMemberS{Value: sl.PaymentMethod},
		"memo":          &types.AttributeValueMemberS{Value: sl.Memo},
	}}
}

// itemToSession converts a DynamoDB attribute map to a ConversationSession.
func itemToSession(item map[string]types.AttributeValue) (domain.ConversationSession, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.ConversationSession{}, err
	}
	userID, err := int64Attr(item, "userId")
	if err != nil {
		return domain.ConversationSession{}, err
	}
	bookID, err := int64Attr(item, "bookId")
	if err != nil {
		return domain.ConversationSession{}, err
	}
	version, err := int64Attr(item, "version")
	if err != nil {
		return domain.ConversationSession{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.ConversationSession{}, err
	}
	lastAccessed, err := timeAttr(item, "lastAccessedAt")
	if err != nil {
		return domain.ConversationSession{}, err
	}
	state, _ := strAttr(item, "state") // allow empty

	var msgs []domain.ChatMessage
	if v, ok := item["messages"]; ok {
		l, ok := v.(*types.AttributeValueMemberL)
		if !ok {
			return domain.ConversationSession{}, errors.New("repository: attribute \"messages\" is not a list")
		}
		msgs = make([]domain.ChatMessage, 0, len(l.Value))
		for i, raw := range l.Value {
			m, ok := raw.(*types.AttributeValueMemberM)
			if !ok {
				return domain.ConversationSession{}, fmt.Errorf("repository: message %d is not a map", i)
			}
			role, err := strAttr(m.Value, "role")
			if err != nil {
				return domain.ConversationSession{}, err
			}
			content, err := strAttr(m.Value, "content")
			if err != nil {
				return domain.ConversationSession{}, err
			}
			msgs = append(msgs, domain.ChatMessage{Role: role, Content: content})
		}
	}

	var slots domain.Slots
	if v, ok := item["slots"]; ok {
		if m, ok := v.(*types.AttributeValueMemberM); ok {
			slots.Type, _ = strAttr(m.Value, "type")
			slots.Amount, _ = strAttr(m.Value, "amount")
			slots.Date, _ = strAttr(m.Value, "date")
			slots.Category, _ = strAttr(m.Value, "category")
			slots.PaymentMethod, _ = strAttr(m.Value, "paymentMethod")
			slots.Memo, _ = strAttr(m.Value, "memo")
		}
	}

	return domain.ConversationSession{
		ConversationID: id,
		UserID:         userID,
		BookID:         bookID,
		Messages:       msgs,
		Slots:          slots,
		State:          domain.SessionState(state),
		CreatedAt:      createdAt,
		LastAccessedAt: lastAccessed,
		Version:        version,
	}, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
