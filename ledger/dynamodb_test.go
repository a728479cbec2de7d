package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/record"
)

// mockDynamoDBClient keeps items in memory, keyed by hash and range key.
type mockDynamoDBClient struct {
	dynamodbiface.DynamoDBAPI
	items  map[string]map[string]*dynamodb.AttributeValue
	putErr error
}

func newMockDynamoDBClient() *mockDynamoDBClient {
	return &mockDynamoDBClient{items: map[string]map[string]*dynamodb.AttributeValue{}}
}

func itemKey(attrs map[string]*dynamodb.AttributeValue) string {
	return aws.StringValue(attrs["key"].S) + "|" + aws.StringValue(attrs["runID"].S)
}

func (m *mockDynamoDBClient) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.items[itemKey(input.Item)] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDBClient) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: m.items[itemKey(input.Key)]}, nil
}

func TestDynamoDB_EmitAndGet(t *testing.T) {
	client := newMockDynamoDBClient()
	d := NewDynamoDB(client, "harvests")
	ctx := context.Background()

	want := sampleHarvest("run-1")
	require.NoError(t, d.Emit(ctx, want))

	item := client.items["qdr:doi:10.5064/F6AAAAAA|run-1"]
	require.NotNil(t, item)
	assert.Equal(t, "OPEN", aws.StringValue(item["licenseStatus"].S))
	assert.Equal(t, "INCLUDE", aws.StringValue(item["relevanceStatus"].S))

	got, err := d.Harvest(ctx, want.Dataset.Key(), "run-1")
	require.NoError(t, err)
	assert.True(t, want.Dataset.HarvestedAt.Equal(got.Dataset.HarvestedAt))
	got.Dataset.HarvestedAt = want.Dataset.HarvestedAt
	assert.Equal(t, want, got)

	_, err = d.Harvest(ctx, want.Dataset.Key(), "run-2")
	assert.Equal(t, ErrNotFound, err)
}

func TestDynamoDB_Finish(t *testing.T) {
	client := newMockDynamoDBClient()
	d := NewDynamoDB(client, "harvests")

	err := d.Finish(context.Background(), harvest.Stats{
		RunID:       "run-1",
		Started:     harvestedAt,
		Finished:    harvestedAt.Add(90 * time.Second),
		RecordsSeen: 7,
		Files:       map[record.Outcome]int64{record.Downloaded: 4},
	})
	require.NoError(t, err)

	item := client.items["run:run-1|run-1"]
	require.NotNil(t, item)
	stats := item["stats"].M
	assert.Equal(t, "7", aws.StringValue(stats["records_seen"].N))
	assert.Equal(t, "4", aws.StringValue(stats["files_downloaded"].N))
}

func TestDynamoDB_PutFails(t *testing.T) {
	client := newMockDynamoDBClient()
	client.putErr = errors.New("throttled")
	d := NewDynamoDB(client, "harvests")

	err := d.Emit(context.Background(), sampleHarvest("run-1"))
	assert.EqualError(t, err, "ledger: put doi:10.5064/F6AAAAAA: throttled")
}
