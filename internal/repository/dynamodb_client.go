package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
)

const (
	pkPrefixDoc    = "DOC#"
	skDoc          = "DOC#"
	skPrefixChunk  = "CHUNK#"
	chunkIndexFmt  = "%04d"
	maxChunkBytes  = 300 * 1024 // items are capped at 400 KB including keys
	maxReadRetries = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoBackend.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoBackend stores each collection document under its own partition: a
// manifest item (SK=DOC#) naming the current version and chunk count, and
// binary chunk items (SK=CHUNK#<version>#0000...). A write puts the new
// chunks first and then swaps the manifest, so readers never see a partial
// document. Chunks of the replaced version are deleted afterwards.
type DynamoBackend struct {
	api       dynamodbAPI
	tableName string
	chunkSize int
	logger    *slog.Logger
}

// NewDynamoBackend creates a DynamoBackend over tableName.
func NewDynamoBackend(api dynamodbAPI, tableName string) (*DynamoBackend, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoBackend{api: api, tableName: tableName, chunkSize: maxChunkBytes, logger: slog.Default()}, nil
}

var newChunkVersion = func() string {
	return ulid.Make().String()
}

// docPK returns the partition key for a collection document.
func docPK(kind Kind) string {
	return pkPrefixDoc + string(kind)
}

func chunkPrefix(version string) string {
	return skPrefixChunk + version + "#"
}

func chunkSK(version string, i int) string {
	return chunkPrefix(version) + fmt.Sprintf(chunkIndexFmt, i)
}

type manifest struct {
	version string
	chunks  int
	// legacy holds the body of a document written before chunking.
	legacy *string
}

func (b *DynamoBackend) Read(ctx context.Context, kind Kind) ([]byte, bool, error) {
	for attempt := 0; ; attempt++ {
		m, found, err := b.readManifest(ctx, kind)
		if err != nil || !found {
			return nil, found, err
		}
		if m.legacy != nil {
			return []byte(*m.legacy), true, nil
		}

		data, complete, err := b.readChunks(ctx, kind, m)
		if err != nil {
			return nil, false, err
		}
		if complete {
			return data, true, nil
		}
		// A concurrent writer swapped the manifest and removed these chunks.
		if attempt+1 >= maxReadRetries {
			return nil, false, &CorruptDataError{Kind: kind, Err: fmt.Errorf("version %s: incomplete chunk set", m.version)}
		}
	}
}

func (b *DynamoBackend) readManifest(ctx context.Context, kind Kind) (manifest, bool, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: docPK(kind)},
			"SK": &types.AttributeValueMemberS{Value: skDoc},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return manifest{}, false, fmt.Errorf("repository: Read get item %s: %w", kind, err)
	}
	if out == nil || len(out.Item) == 0 {
		return manifest{}, false, nil
	}

	if _, ok := out.Item["body"]; ok {
		body, err := strAttr(out.Item, "body")
		if err != nil {
			return manifest{}, false, &CorruptDataError{Kind: kind, Err: err}
		}
		return manifest{legacy: &body}, true, nil
	}

	version, err := strAttr(out.Item, "version")
	if err != nil {
		return manifest{}, false, &CorruptDataError{Kind: kind, Err: err}
	}
	chunks, err := numAttr(out.Item, "chunks")
	if err != nil {
		return manifest{}, false, &CorruptDataError{Kind: kind, Err: err}
	}
	return manifest{version: version, chunks: chunks}, true, nil
}

// readChunks reassembles the chunks of m in order. complete is false when
// some of them are missing.
func (b *DynamoBackend) readChunks(ctx context.Context, kind Kind, m manifest) ([]byte, bool, error) {
	var buf bytes.Buffer
	next := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := b.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(b.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: docPK(kind)},
				":prefix": &types.AttributeValueMemberS{Value: chunkPrefix(m.version)},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, false, fmt.Errorf("repository: Read query chunks %s: %w", kind, err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return nil, false, &CorruptDataError{Kind: kind, Err: err}
			}
			if sk != chunkSK(m.version, next) {
				return nil, false, nil
			}
			data, ok := item["data"].(*types.AttributeValueMemberB)
			if !ok {
				return nil, false, &CorruptDataError{Kind: kind, Err: fmt.Errorf("chunk %s has no binary data", sk)}
			}
			buf.Write(data.Value)
			next++
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	if next != m.chunks {
		return nil, false, nil
	}
	return buf.Bytes(), true, nil
}

func (b *DynamoBackend) Write(ctx context.Context, kind Kind, data []byte) error {
	prev, hadPrev, err := b.readManifest(ctx, kind)
	if err != nil {
		var corrupt *CorruptDataError
		if !errors.As(err, &corrupt) {
			return err
		}
		hadPrev = false
	}

	version := newChunkVersion()
	chunks := splitChunks(data, b.chunkSize)
	for i, chunk := range chunks {
		_, err := b.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(b.tableName),
			Item: map[string]types.AttributeValue{
				"PK":   &types.AttributeValueMemberS{Value: docPK(kind)},
				"SK":   &types.AttributeValueMemberS{Value: chunkSK(version, i)},
				"data": &types.AttributeValueMemberB{Value: chunk},
			},
		})
		if err != nil {
			return fmt.Errorf("repository: Write put chunk %d of %s: %w", i, kind, err)
		}
	}

	_, err = b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: docPK(kind)},
			"SK":        &types.AttributeValueMemberS{Value: skDoc},
			"kind":      &types.AttributeValueMemberS{Value: string(kind)},
			"version":   &types.AttributeValueMemberS{Value: version},
			"chunks":    &types.AttributeValueMemberN{Value: strconv.Itoa(len(chunks))},
			"size":      &types.AttributeValueMemberN{Value: strconv.Itoa(len(data))},
			"updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Write put item %s: %w", kind, err)
	}

	if hadPrev && prev.legacy == nil {
		b.deleteChunks(ctx, kind, prev)
	}
	return nil
}

// deleteChunks removes the chunks of a replaced version. The new document is
// already committed, so failures only leave unreferenced items behind.
func (b *DynamoBackend) deleteChunks(ctx context.Context, kind Kind, m manifest) {
	for i := 0; i < m.chunks; i++ {
		_, err := b.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(b.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: docPK(kind)},
				"SK": &types.AttributeValueMemberS{Value: chunkSK(m.version, i)},
			},
		})
		if err != nil {
			b.logger.Warn("failed to delete stale chunk", "kind", kind, "version", m.version, "chunk", i, "err", err)
			return
		}
	}
}

func splitChunks(data []byte, size int) [][]byte {
	chunks := make([][]byte, 0, len(data)/size+1)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
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

func numAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	i, err := strconv.Atoi(n.Value)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("repository: attribute %q is not a chunk count: %q", key, n.Value)
	}
	return i, nil
}
