package ledger

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"

	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/record"
)

// ErrNotFound is returned when a dataset is not in the ledger.
var ErrNotFound = errors.New("ledger: not found")

// DynamoDB keeps the same per-run snapshots as the SQLite ledger in a table
// keyed by "key" (hash) and "runID" (range).
type DynamoDB struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

var (
	_ harvest.Sink    = (*DynamoDB)(nil)
	_ harvest.RunSink = (*DynamoDB)(nil)
)

func NewDynamoDB(client dynamodbiface.DynamoDBAPI, table string) *DynamoDB {
	return &DynamoDB{
		client: client,
		table:  table,
	}
}

type datasetItem struct {
	Key       string         `dynamodbav:"key"`
	RunID     string         `dynamodbav:"runID"`
	Source    string         `dynamodbav:"source"`
	License   string         `dynamodbav:"licenseStatus"`
	Relevance string         `dynamodbav:"relevanceStatus"`
	Harvest   record.Harvest `dynamodbav:"harvest"`
}

type runItem struct {
	Key   string                 `dynamodbav:"key"`
	RunID string                 `dynamodbav:"runID"`
	Stats map[string]interface{} `dynamodbav:"stats"`
}

func runKey(runID string) string {
	return "run:" + runID
}

func (d *DynamoDB) Emit(ctx context.Context, h record.Harvest) error {
	item, err := dynamodbattribute.MarshalMap(&datasetItem{
		Key:       h.Dataset.Key(),
		RunID:     h.Dataset.RunID,
		Source:    h.Dataset.Source,
		License:   string(h.Dataset.License.Status),
		Relevance: string(h.Dataset.Relevance.Status),
		Harvest:   h,
	})
	if err != nil {
		return errors.Wrapf(err, "ledger: marshal %s", h.Dataset.ID)
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	return errors.Wrapf(err, "ledger: put %s", h.Dataset.ID)
}

func (d *DynamoDB) Finish(ctx context.Context, stats harvest.Stats) error {
	fields := stats.Map()
	item, err := dynamodbattribute.MarshalMap(&runItem{
		Key:   runKey(stats.RunID),
		RunID: stats.RunID,
		Stats: fields,
	})
	if err != nil {
		return errors.Wrap(err, "ledger: marshal run")
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	return errors.Wrap(err, "ledger: put run")
}

// Harvest returns the snapshot of a dataset stored by runID.
func (d *DynamoDB) Harvest(ctx context.Context, key, runID string) (record.Harvest, error) {
	output, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]*dynamodb.AttributeValue{
			"key":   {S: aws.String(key)},
			"runID": {S: aws.String(runID)},
		},
	})
	if err != nil {
		return record.Harvest{}, errors.Wrapf(err, "ledger: get %s", key)
	}
	if output.Item == nil {
		return record.Harvest{}, ErrNotFound
	}
	var item datasetItem
	if err := dynamodbattribute.UnmarshalMap(output.Item, &item); err != nil {
		return record.Harvest{}, errors.Wrapf(err, "ledger: unmarshal %s", key)
	}
	return item.Harvest, nil
}
