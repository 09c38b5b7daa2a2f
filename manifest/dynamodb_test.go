package manifest

import (
	"context"
	"sort"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDDB implements DDBClient against an in-memory generation table.
type fakeDDB struct {
	items map[uint64]string // generation -> manifest body
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[uint64]string)}
}

func (f *fakeDDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	genAttr := params.Item["generation"].(*types.AttributeValueMemberN)
	gen, err := strconv.ParseUint(genAttr.Value, 10, 64)
	if err != nil {
		return nil, err
	}
	if _, exists := f.items[gen]; exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[gen] = params.Item["manifest"].(*types.AttributeValueMemberS).Value
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) Query(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if len(f.items) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	gens := make([]uint64, 0, len(f.items))
	for g := range f.items {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	latest := gens[0]

	return &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{{
			"generation": &types.AttributeValueMemberN{Value: strconv.FormatUint(latest, 10)},
			"manifest":   &types.AttributeValueMemberS{Value: f.items[latest]},
		}},
	}, nil
}

func TestDynamoDBStoreCommitAndLatest(t *testing.T) {
	ctx := context.Background()
	s := NewDynamoDBStore(newFakeDDB(), "dedupix-manifests", "volume-a")

	_, err := s.Latest(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	first := New(testConfig(), 1, []string{"zone-0.mi"})
	require.NoError(t, s.Commit(ctx, first))
	require.Equal(t, uint64(1), first.Generation)

	second := New(testConfig(), 1, []string{"zone-0.mi"})
	require.NoError(t, s.Commit(ctx, second))

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Generation)
}

// staleDDB serves reads from before another writer's commit, forcing the
// generation race that the conditional put must catch.
type staleDDB struct {
	*fakeDDB
}

func (s *staleDDB) Query(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return &dynamodb.QueryOutput{}, nil
}

func TestDynamoDBStoreConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()

	winner := NewDynamoDBStore(ddb, "dedupix-manifests", "volume-a")
	require.NoError(t, winner.Commit(ctx, New(testConfig(), 1, []string{"zone-0.mi"})))

	loser := NewDynamoDBStore(&staleDDB{fakeDDB: ddb}, "dedupix-manifests", "volume-a")
	err := loser.Commit(ctx, New(testConfig(), 1, []string{"zone-0.mi"}))
	require.ErrorIs(t, err, ErrConcurrentCommit)
}
