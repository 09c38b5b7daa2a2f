package manifest

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBStore commits manifest generations with DynamoDB conditional
// writes, giving the compare-and-swap semantics object stores lack. Safe
// for multiple concurrent savers: the loser of a race gets
// ErrConcurrentCommit instead of clobbering the winner.
//
// Table schema:
//   - Partition key: index_name (string)
//   - Sort key: generation (number), monotonically increasing
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name dedupix-manifests \
//	  --attribute-definitions AttributeName=index_name,AttributeType=S AttributeName=generation,AttributeType=N \
//	  --key-schema AttributeName=index_name,KeyType=HASH AttributeName=generation,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoDBStore struct {
	client    DDBClient
	tableName string
	indexName string
}

// NewDynamoDBStore creates a manifest store over an existing DynamoDB
// client. indexName is the partition key identifying this index.
func NewDynamoDBStore(client DDBClient, tableName, indexName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		indexName: indexName,
	}
}

// NewDefaultDynamoDBStore builds the store from the ambient AWS
// configuration.
func NewDefaultDynamoDBStore(ctx context.Context, tableName, indexName string) (*DynamoDBStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("manifest: loading AWS config: %w", err)
	}
	return NewDynamoDBStore(dynamodb.NewFromConfig(cfg), tableName, indexName), nil
}

// Latest returns the most recently committed manifest.
func (s *DynamoDBStore) Latest(ctx context.Context) (*Manifest, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("index_name = :name"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name": &types.AttributeValueMemberS{Value: s.indexName},
		},
		ScanIndexForward: aws.Bool(false), // Descending order
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: querying DynamoDB: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, ErrNotFound
	}

	body, ok := resp.Items[0]["manifest"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("manifest: invalid manifest attribute in DynamoDB")
	}
	return Unmarshal([]byte(body.Value))
}

// Commit stores the next generation with a conditional put; losing a race
// for the generation number yields ErrConcurrentCommit.
func (s *DynamoDBStore) Commit(ctx context.Context, m *Manifest) error {
	latest, err := s.Latest(ctx)
	switch {
	case err == nil:
		m.Generation = latest.Generation + 1
	case errors.Is(err, ErrNotFound):
		m.Generation = 1
	default:
		return err
	}

	body, err := m.Marshal()
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"index_name": &types.AttributeValueMemberS{Value: s.indexName},
			"generation": &types.AttributeValueMemberN{Value: strconv.FormatUint(m.Generation, 10)},
			"manifest":   &types.AttributeValueMemberS{Value: string(body)},
		},
		ConditionExpression: aws.String("attribute_not_exists(generation)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentCommit
		}
		return fmt.Errorf("manifest: committing generation %d: %w", m.Generation, err)
	}
	return nil
}
