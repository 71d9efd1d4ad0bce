package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dunamismax/imagehandler/internal/domain"
)

func TestMemoryMetadataStoreRecordAccess(t *testing.T) {
	s := NewMemoryMetadataStore()
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.Put(ctx, domain.MetadataRecord{ImageID: "img_a", Format: "png", CreatedAt: created}); err != nil {
		t.Fatalf("put: %v", err)
	}

	at := created.Add(time.Hour)
	if err := s.RecordAccess(ctx, "img_a", at); err != nil {
		t.Fatalf("record access: %v", err)
	}

	rec, err := s.Get(ctx, "img_a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.AccessCount != 1 || !rec.LastAccessed.Equal(at) || rec.Format != "png" {
		t.Fatalf("unexpected record %+v", rec)
	}

	missing, err := s.Get(ctx, "img_missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil miss, got %+v, %v", missing, err)
	}
}

func TestMemoryMetadataStorePutKeepsAccessStats(t *testing.T) {
	s := NewMemoryMetadataStore()
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	at := created.Add(time.Hour)

	if err := s.Put(ctx, domain.MetadataRecord{ImageID: "img_a", ProcessingStatus: domain.ProcessingStatusProcessed, CreatedAt: created}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordAccess(ctx, "img_a", at); err != nil {
			t.Fatalf("record access: %v", err)
		}
	}

	rebuilt := created.Add(48 * time.Hour)
	if err := s.Put(ctx, domain.MetadataRecord{
		ImageID:          "img_a",
		ProcessingStatus: domain.ProcessingStatusFailed,
		ProcessingError:  "ImageEditsError",
		CreatedAt:        rebuilt,
		UpdatedAt:        rebuilt,
	}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	rec, _ := s.Get(ctx, "img_a")
	if rec.AccessCount != 3 || !rec.LastAccessed.Equal(at) || !rec.CreatedAt.Equal(created) {
		t.Fatalf("expected access stats kept, got %+v", rec)
	}
	if rec.ProcessingStatus != domain.ProcessingStatusFailed || !rec.UpdatedAt.Equal(rebuilt) {
		t.Fatalf("expected status updated, got %+v", rec)
	}
}

func TestMemoryMetadataStoreBatches(t *testing.T) {
	s := NewMemoryMetadataStore()
	ctx := context.Background()

	variants := []domain.VariantResult{{Suffix: "thumb", Status: domain.VariantStatusSuccess}}
	if err := s.PutBatch(ctx, domain.BatchRecord{ImageID: "batch_1", Variants: variants}); err != nil {
		t.Fatalf("put batch: %v", err)
	}
	variants[0].Status = domain.VariantStatusError

	rec, err := s.GetBatch(ctx, "batch_1")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if rec == nil || rec.Variants[0].Status != domain.VariantStatusSuccess {
		t.Fatalf("expected stored copy of variants, got %+v", rec)
	}
}

func TestDynamoDBMetadataStoreRequiresTable(t *testing.T) {
	if _, err := NewDynamoDBMetadataStore(&fakeDynamo{}, " "); err == nil {
		t.Fatal("expected error for empty table")
	}
}

func TestDynamoDBMetadataStorePutAndGet(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	s, err := NewDynamoDBMetadataStore(fake, "images")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	rec := domain.MetadataRecord{
		ImageID:          "img_abc",
		BucketName:       "src",
		Key:              "a.jpg",
		Format:           "jpeg",
		Width:            10,
		Height:           20,
		ProcessingStatus: domain.ProcessingStatusProcessed,
		CreatedAt:        time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if fake.lastTable != "images" {
		t.Fatalf("expected images table, got %q", fake.lastTable)
	}

	got, err := s.Get(ctx, "img_abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Key != "a.jpg" || got.Width != 10 || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("unexpected record %+v", got)
	}

	miss, err := s.Get(ctx, "img_nope")
	if err != nil || miss != nil {
		t.Fatalf("expected nil miss, got %+v, %v", miss, err)
	}
}

func TestDynamoDBMetadataStoreRecordAccessExpression(t *testing.T) {
	fake := &fakeDynamo{}
	s, _ := NewDynamoDBMetadataStore(fake, "images")

	if err := s.RecordAccess(context.Background(), "img_abc", time.Now()); err != nil {
		t.Fatalf("record access: %v", err)
	}

	in := fake.lastUpdate
	if in == nil {
		t.Fatal("expected an update call")
	}
	if aws.ToString(in.UpdateExpression) != "ADD accessCount :one SET lastAccessed = :at, updatedAt = :at" {
		t.Fatalf("unexpected expression %q", aws.ToString(in.UpdateExpression))
	}
	one, ok := in.ExpressionAttributeValues[":one"].(*types.AttributeValueMemberN)
	if !ok || one.Value != "1" {
		t.Fatalf("expected increment of one, got %#v", in.ExpressionAttributeValues[":one"])
	}
}

func TestDynamoDBMetadataStorePutKeepsAccessStats(t *testing.T) {
	fake := &fakeDynamo{}
	s, _ := NewDynamoDBMetadataStore(fake, "images")
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	if err := s.Put(ctx, domain.MetadataRecord{
		ImageID:          "img_abc",
		Key:              "a.jpg",
		ProcessingStatus: domain.ProcessingStatusFailed,
		ProcessingError:  "ImageEditsError",
		CreatedAt:        created,
		UpdatedAt:        created,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.RecordAccess(ctx, "img_abc", created.Add(time.Minute)); err != nil {
			t.Fatalf("record access: %v", err)
		}
	}

	rebuilt := created.Add(24 * time.Hour)
	if err := s.Put(ctx, domain.MetadataRecord{
		ImageID:          "img_abc",
		Key:              "a.jpg",
		Size:             42,
		ProcessingStatus: domain.ProcessingStatusProcessed,
		CreatedAt:        rebuilt,
		UpdatedAt:        rebuilt,
	}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	expr := aws.ToString(fake.lastUpdate.UpdateExpression)
	if strings.Contains(expr, "accessCount") || strings.Contains(expr, "lastAccessed") {
		t.Fatalf("put must not touch access stats: %q", expr)
	}
	if !strings.Contains(expr, "if_not_exists(#createdAt, :createdAt)") {
		t.Fatalf("expected createdAt guard, got %q", expr)
	}

	got, err := s.Get(ctx, "img_abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount != 2 || !got.CreatedAt.Equal(created) {
		t.Fatalf("expected access stats kept, got %+v", got)
	}
	if got.ProcessingStatus != domain.ProcessingStatusProcessed || got.ProcessingError != "" || got.Size != 42 {
		t.Fatalf("expected rebuilt fields, got %+v", got)
	}
	if !got.UpdatedAt.Equal(rebuilt) {
		t.Fatalf("expected updatedAt %v, got %v", rebuilt, got.UpdatedAt)
	}
}

func TestDynamoDBMetadataStoreWrapsErrors(t *testing.T) {
	boom := errors.New("throttled")
	s, _ := NewDynamoDBMetadataStore(&fakeDynamo{err: boom}, "images")

	if err := s.PutBatch(context.Background(), domain.BatchRecord{ImageID: "batch_x"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if _, err := s.GetBatch(context.Background(), "batch_x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type fakeDynamo struct {
	err        error
	items      map[string]map[string]types.AttributeValue
	lastTable  string
	lastUpdate *dynamodb.UpdateItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	var id string
	if err := attributevalue.Unmarshal(in.Key["imageId"], &id); err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: f.items[id]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastTable = aws.ToString(in.TableName)
	var id string
	if err := attributevalue.Unmarshal(in.Item["imageId"], &id); err != nil {
		return nil, err
	}
	if f.items == nil {
		f.items = map[string]map[string]types.AttributeValue{}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastTable = aws.ToString(in.TableName)
	f.lastUpdate = in

	var id string
	if err := attributevalue.Unmarshal(in.Key["imageId"], &id); err != nil {
		return nil, err
	}
	if f.items == nil {
		f.items = map[string]map[string]types.AttributeValue{}
	}
	item, ok := f.items[id]
	if !ok {
		item = map[string]types.AttributeValue{"imageId": in.Key["imageId"]}
		f.items[id] = item
	}
	if err := applyUpdate(item, aws.ToString(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

// applyUpdate understands the SET, ADD and REMOVE forms the store issues,
// including if_not_exists on the right-hand side of SET.
func applyUpdate(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	resolve := func(token string) string {
		if n, ok := names[token]; ok {
			return n
		}
		return token
	}

	clauses := map[string][]string{}
	var current string
	var body []string
	flush := func() {
		if current != "" {
			clauses[current] = append(clauses[current], splitTopLevel(strings.Join(body, " "))...)
		}
		body = nil
	}
	for _, word := range strings.Fields(expr) {
		switch word {
		case "SET", "ADD", "REMOVE":
			flush()
			current = word
		default:
			body = append(body, word)
		}
	}
	flush()

	for _, action := range clauses["SET"] {
		lhs, rhs, ok := strings.Cut(action, " = ")
		if !ok {
			return fmt.Errorf("bad SET action %q", action)
		}
		attr := resolve(strings.TrimSpace(lhs))
		rhs = strings.TrimSpace(rhs)
		if strings.HasPrefix(rhs, "if_not_exists(") {
			args := strings.Split(strings.TrimSuffix(strings.TrimPrefix(rhs, "if_not_exists("), ")"), ",")
			if _, exists := item[resolve(strings.TrimSpace(args[0]))]; exists {
				continue
			}
			rhs = strings.TrimSpace(args[1])
		}
		item[attr] = values[rhs]
	}
	for _, action := range clauses["ADD"] {
		fields := strings.Fields(action)
		attr := resolve(fields[0])
		var have, delta int64
		if existing, ok := item[attr]; ok {
			if err := attributevalue.Unmarshal(existing, &have); err != nil {
				return err
			}
		}
		if err := attributevalue.Unmarshal(values[fields[1]], &delta); err != nil {
			return err
		}
		item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(have+delta, 10)}
	}
	for _, action := range clauses["REMOVE"] {
		delete(item, resolve(strings.TrimSpace(action)))
	}
	return nil
}

func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
