package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudTasksNotifier delivers expiry notices via Google Cloud Tasks instead
// of the in-memory EventBus, so a notice surviving a process restart still
// reaches its webhook target. One task per Emit call, mirroring the
// teacher's webhooks.CloudDispatcher one-task-per-subscriber enqueue.
type CloudTasksNotifier struct {
	client     *cloudtasks.Client
	queuePath  string
	webhookURL string
	logger     *log.Logger
	fallback   NotificationEmitter // in-memory bus, used if enqueue fails
}

func NewCloudTasksNotifier(projectID, locationID, queueID, webhookURL string, fallback NotificationEmitter) (*CloudTasksNotifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	return &CloudTasksNotifier{
		client:     client,
		queuePath:  fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		webhookURL: webhookURL,
		logger:     log.New(log.Writer(), "[scheduler/cloudtasks] ", log.LstdFlags),
		fallback:   fallback,
	}, nil
}

// Emit implements NotificationEmitter.
func (n *CloudTasksNotifier) Emit(eventType, source, subject string, data map[string]interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"type": eventType, "source": source, "subject": subject, "data": data,
	})
	if err != nil {
		n.logger.Printf("marshal notice: %v", err)
		return
	}

	req := &taskspb.CreateTaskRequest{
		Parent: n.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        n.webhookURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
				},
			},
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := n.client.CreateTask(ctx, req); err != nil {
			n.logger.Printf("enqueue failed for %s/%s: %v", eventType, subject, err)
			if n.fallback != nil {
				n.fallback.Emit(eventType, source, subject, data)
			}
		}
	}()
}

func (n *CloudTasksNotifier) Close() error {
	return n.client.Close()
}
