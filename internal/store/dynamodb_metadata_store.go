package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dunamismax/imagehandler/internal/domain"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBMetadataStore keeps artifact and batch documents in one table
// whose partition key is imageId. The img_ and batch_ id prefixes keep the
// two document kinds apart.
type DynamoDBMetadataStore struct {
	client DynamoDBAPI
	table  string
}

func NewDynamoDBMetadataStore(client DynamoDBAPI, table string) (*DynamoDBMetadataStore, error) {
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("metadata table name is required")
	}
	return &DynamoDBMetadataStore{client: client, table: table}, nil
}

func (s *DynamoDBMetadataStore) Get(ctx context.Context, imageID string) (*domain.MetadataRecord, error) {
	item, err := s.getItem(ctx, imageID)
	if err != nil || item == nil {
		return nil, err
	}

	var rec domain.MetadataRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal image metadata: %w", err)
	}
	return &rec, nil
}

// Put is an update rather than a replace so accessCount, lastAccessed and
// createdAt survive a rebuild of the same artifact.
func (s *DynamoDBMetadataStore) Put(ctx context.Context, rec domain.MetadataRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal image metadata: %w", err)
	}
	delete(item, "imageId")
	delete(item, "accessCount")
	delete(item, "lastAccessed")

	names := make([]string, 0, len(item))
	for name := range item {
		names = append(names, name)
	}
	sort.Strings(names)

	attrNames := make(map[string]string, len(names)+1)
	values := make(map[string]types.AttributeValue, len(names))
	set := make([]string, 0, len(names))
	for _, name := range names {
		attrNames["#"+name] = name
		values[":"+name] = item[name]
		if name == "createdAt" {
			set = append(set, "#createdAt = if_not_exists(#createdAt, :createdAt)")
			continue
		}
		set = append(set, fmt.Sprintf("#%s = :%s", name, name))
	}
	expr := "SET " + strings.Join(set, ", ")
	if rec.ProcessingError == "" {
		attrNames["#processingError"] = "processingError"
		expr += " REMOVE #processingError"
	}

	if _, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       imageKey(rec.ImageID),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  attrNames,
		ExpressionAttributeValues: values,
	}); err != nil {
		return fmt.Errorf("update image metadata: %w", err)
	}
	return nil
}

func (s *DynamoDBMetadataStore) RecordAccess(ctx context.Context, imageID string, at time.Time) error {
	stamp, err := attributevalue.Marshal(at)
	if err != nil {
		return fmt.Errorf("marshal access time: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              imageKey(imageID),
		UpdateExpression: aws.String("ADD accessCount :one SET lastAccessed = :at, updatedAt = :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":at":  stamp,
		},
	})
	if err != nil {
		return fmt.Errorf("record image access: %w", err)
	}
	return nil
}

func (s *DynamoDBMetadataStore) PutBatch(ctx context.Context, rec domain.BatchRecord) error {
	return s.putItem(ctx, rec)
}

func (s *DynamoDBMetadataStore) GetBatch(ctx context.Context, imageID string) (*domain.BatchRecord, error) {
	item, err := s.getItem(ctx, imageID)
	if err != nil || item == nil {
		return nil, err
	}

	var rec domain.BatchRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal image batch: %w", err)
	}
	return &rec, nil
}

func (s *DynamoDBMetadataStore) getItem(ctx context.Context, imageID string) (map[string]types.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       imageKey(imageID),
	})
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", imageID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (s *DynamoDBMetadataStore) putItem(ctx context.Context, doc any) error {
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return fmt.Errorf("marshal metadata document: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put metadata document: %w", err)
	}
	return nil
}

func imageKey(imageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"imageId": &types.AttributeValueMemberS{Value: imageID},
	}
}
