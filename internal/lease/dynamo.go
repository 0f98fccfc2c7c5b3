package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/google/uuid"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
)

type leaseItem struct {
	LockKey   string `dynamodbav:"lockKey"`
	Owner     string `dynamodbav:"owner"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

// DynamoLease stores leases in a DynamoDB table keyed by lockKey. Expiry is
// checked on acquire, so a crashed holder blocks others for at most its TTL.
type DynamoLease struct {
	client *dynamodb.DynamoDB
	table  string
	owner  string
}

// NewDynamoLease creates a locker over the table.
func NewDynamoLease(sess *session.Session, table string) *DynamoLease {
	return &DynamoLease{
		client: dynamodb.New(sess),
		table:  table,
		owner:  uuid.NewString(),
	}
}

func (d *DynamoLease) Acquire(ctx context.Context, name string, ttl time.Duration) error {
	now := time.Now()
	item, err := dynamodbattribute.MarshalMap(leaseItem{
		LockKey:   name,
		Owner:     d.owner,
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %v", err)
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(lockKey) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now": {N: aws.String(strconv.FormatInt(now.Unix(), 10))},
		},
	})
	if isConditionFailed(err) {
		return domain.ErrLeaseHeld
	}
	if err != nil {
		return fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	return nil
}

// Release deletes the lease if this runner still owns it.
func (d *DynamoLease) Release(ctx context.Context, name string) error {
	_, err := d.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]*dynamodb.AttributeValue{
			"lockKey": {S: aws.String(name)},
		},
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]*string{
			"#owner": aws.String("owner"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {S: aws.String(d.owner)},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
