package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/record"
)

const topicARN = "arn:aws:sns:eu-west-2:123456789012:qda-harvests"

type snsMock struct {
	snsiface.SNSAPI
	mu     sync.Mutex
	inputs []*sns.PublishInput
	err    error
}

func (m *snsMock) PublishWithContext(ctx aws.Context, input *sns.PublishInput, opts ...request.Option) (*sns.PublishOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, input)
	return &sns.PublishOutput{MessageId: aws.String("1")}, nil
}

func testNotifier(client *snsMock) *Notifier {
	logger, _ := test.NewNullLogger()
	n := NewNotifier(client, topicARN, "qda-harvester/test", logger)
	n.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func harvested(status record.Relevance) record.Harvest {
	return record.Harvest{
		Dataset: record.Dataset{
			ID:        "doi:10.5072/FK2/QAWS8O",
			Source:    "qdr",
			Title:     "Care work interviews",
			License:   record.LicenseDecision{Status: record.Open},
			Relevance: record.RelevanceDecision{Status: status},
			RunID:     "run-1",
		},
		Files: []record.FileEntry{{FileID: "1", Name: "notes.txt", Outcome: record.Downloaded}},
	}
}

func TestNotifier_Emit(t *testing.T) {
	client := &snsMock{}
	n := testNotifier(client)

	require.NoError(t, n.Emit(context.Background(), harvested(record.Include)))
	require.Len(t, client.inputs, 1)

	input := client.inputs[0]
	assert.Equal(t, topicARN, aws.StringValue(input.TopicArn))
	assert.Equal(t, TypeDatasetHarvested, aws.StringValue(input.MessageAttributes["messageType"].StringValue))
	assert.Equal(t, "OPEN", aws.StringValue(input.MessageAttributes["licenseStatus"].StringValue))
	assert.Equal(t, "INCLUDE", aws.StringValue(input.MessageAttributes["relevance"].StringValue))

	var msg struct {
		MessageHeader MessageHeader  `json:"messageHeader"`
		MessageBody   record.Harvest `json:"messageBody"`
	}
	require.NoError(t, json.Unmarshal([]byte(aws.StringValue(input.Message)), &msg))
	assert.Equal(t, TypeDatasetHarvested, msg.MessageHeader.Type)
	assert.Equal(t, "run-1", msg.MessageHeader.RunID)
	assert.Equal(t, "qda-harvester/test", msg.MessageHeader.Generator)
	assert.NotEmpty(t, msg.MessageHeader.ID)
	assert.Equal(t, "doi:10.5072/FK2/QAWS8O", msg.MessageBody.Dataset.ID)
	assert.Len(t, msg.MessageBody.Files, 1)
}

func TestNotifier_IncludedOnly(t *testing.T) {
	tests := map[string]struct {
		status record.Relevance
		want   int
	}{
		"include":       {record.Include, 1},
		"exclude":       {record.Exclude, 0},
		"not evaluated": {record.NotEvaluated, 0},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			client := &snsMock{}
			n := testNotifier(client)
			n.IncludedOnly = true
			require.NoError(t, n.Emit(context.Background(), harvested(tc.status)))
			assert.Len(t, client.inputs, tc.want)
		})
	}
}

func TestNotifier_Finish(t *testing.T) {
	client := &snsMock{}
	n := testNotifier(client)

	err := n.Finish(context.Background(), harvest.Stats{
		RunID:           "run-1",
		RecordsIncluded: 2,
		Files:           map[record.Outcome]int64{record.Downloaded: 3},
	})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	var msg struct {
		MessageHeader MessageHeader          `json:"messageHeader"`
		MessageBody   map[string]interface{} `json:"messageBody"`
	}
	require.NoError(t, json.Unmarshal([]byte(aws.StringValue(client.inputs[0].Message)), &msg))
	assert.Equal(t, TypeHarvestCompleted, msg.MessageHeader.Type)
	assert.EqualValues(t, 2, msg.MessageBody["records_included"])
	assert.EqualValues(t, 3, msg.MessageBody["files_downloaded"])
}

func TestNotifier_PublishFails(t *testing.T) {
	client := &snsMock{err: errors.New("topic does not exist")}
	n := testNotifier(client)

	err := n.Emit(context.Background(), harvested(record.Include))
	assert.EqualError(t, err, "broker: publish DatasetHarvested: topic does not exist")
}
