// Package broker announces harvest results on an SNS topic so downstream
// consumers (curation queues, preservation systems) can react to them.
package broker

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/record"
)

// Message types.
const (
	TypeDatasetHarvested = "DatasetHarvested"
	TypeHarvestCompleted = "HarvestCompleted"
)

// MessageHeader describes the message itself.
type MessageHeader struct {
	ID        string    `json:"messageId"`
	Type      string    `json:"messageType"`
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"publishedTimestamp"`
	Generator string    `json:"generator"`
}

// Message is the payload published to the topic.
type Message struct {
	MessageHeader MessageHeader `json:"messageHeader"`
	MessageBody   interface{}   `json:"messageBody"`
}

// Notifier publishes one message per harvested dataset and one when the run
// completes. When IncludedOnly is set, datasets the relevance filter did not
// include are not announced.
type Notifier struct {
	client       snsiface.SNSAPI
	topicARN     string
	generator    string
	IncludedOnly bool
	logger       logrus.FieldLogger
	now          func() time.Time
}

var (
	_ harvest.Sink    = (*Notifier)(nil)
	_ harvest.RunSink = (*Notifier)(nil)
)

func NewNotifier(client snsiface.SNSAPI, topicARN, generator string, logger logrus.FieldLogger) *Notifier {
	return &Notifier{
		client:    client,
		topicARN:  topicARN,
		generator: generator,
		logger:    logger,
		now:       time.Now,
	}
}

func (n *Notifier) Emit(ctx context.Context, h record.Harvest) error {
	if n.IncludedOnly && h.Dataset.Relevance.Status != record.Include {
		return nil
	}
	attrs := map[string]*sns.MessageAttributeValue{
		"source":        stringAttribute(h.Dataset.Source),
		"licenseStatus": stringAttribute(string(h.Dataset.License.Status)),
	}
	if h.Dataset.Relevance.Status != "" {
		attrs["relevance"] = stringAttribute(string(h.Dataset.Relevance.Status))
	}
	return n.publish(ctx, TypeDatasetHarvested, h.Dataset.RunID, h, attrs)
}

func (n *Notifier) Finish(ctx context.Context, stats harvest.Stats) error {
	body := stats.Map()
	return n.publish(ctx, TypeHarvestCompleted, stats.RunID, body, nil)
}

// publish puts a message into the SNS topic.
func (n *Notifier) publish(ctx context.Context, typ, runID string, body interface{}, attrs map[string]*sns.MessageAttributeValue) error {
	msg := Message{
		MessageHeader: MessageHeader{
			ID:        uuid.New().String(),
			Type:      typ,
			RunID:     runID,
			Timestamp: n.now().UTC(),
			Generator: n.generator,
		},
		MessageBody: body,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "broker: encode %s", typ)
	}
	if attrs == nil {
		attrs = map[string]*sns.MessageAttributeValue{}
	}
	attrs["messageType"] = stringAttribute(typ)
	_, err = n.client.PublishWithContext(ctx, &sns.PublishInput{
		Message:           aws.String(string(payload)),
		TopicArn:          aws.String(n.topicARN),
		MessageAttributes: attrs,
	})
	if err != nil {
		return errors.Wrapf(err, "broker: publish %s", typ)
	}
	n.logger.WithFields(logrus.Fields{"type": typ, "id": msg.MessageHeader.ID}).Debug("Message published")
	return nil
}

func stringAttribute(v string) *sns.MessageAttributeValue {
	return &sns.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
