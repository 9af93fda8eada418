package event

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/orbit-so/go-orbit/service/logger"
)

// LoggerSink writes every event as a structured log line
type LoggerSink struct{}

func (LoggerSink) Handle(ctx context.Context, e Event) {
	logger.For(ctx).WithFields(logrus.Fields{
		"eventType":     e.Type,
		"userID":        e.UserID,
		"relatedUserID": e.RelatedUserID,
		"circleID":      e.CircleID,
	}).Info("pipeline event")
}

// PubSubSink publishes events to a pubsub topic for downstream consumers
// (push notification senders, analytics). Publish results are resolved on
// pubsub's own goroutines so Handle never blocks on the network.
type PubSubSink struct {
	topic *pubsub.Topic
}

func NewPubSubSink(client *pubsub.Client, topicName string) *PubSubSink {
	return &PubSubSink{topic: client.Topic(topicName)}
}

func (s *PubSubSink) Handle(ctx context.Context, e Event) {
	marshalled, err := json.Marshal(e)
	if err != nil {
		logger.For(ctx).Warnf("failed to marshal event %s: %s", e.Type, err)
		return
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       marshalled,
		Attributes: map[string]string{"type": string(e.Type)},
	})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			logger.For(nil).Warnf("failed to publish event %s: %s", e.Type, err)
		}
	}()
}
