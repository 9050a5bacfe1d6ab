package acumatica

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"cloud.google.com/go/pubsub"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/gin-gonic/gin"
)

const defaultSyncTopic = "acumatica-sync"

// SyncJobPayload is the message body dispatched for one tracked sync job.
type SyncJobPayload struct {
	JobID uint `json:"jobId"`
}

func syncTopicName() string {
	if v := os.Getenv("ACUMATICA_SYNC_TOPIC"); v != "" {
		return v
	}
	return defaultSyncTopic
}

// PublishSyncJob puts a job id on the sync topic. The push subscription
// delivers it back to PubSubPushHandler, which does the actual work.
func PublishSyncJob(ctx context.Context, jobID uint) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	var topicName = syncTopicName()
	topic := client.Topic(topicName)
	if envBoolDefault("PUBSUB_CREATE_TOPICS", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(SyncJobPayload{JobID: jobID})
	result := topic.Publish(ctx, &pubsub.Message{Data: payload})
	_, err = result.Get(ctx)
	return err
}

// pushEnvelope is the Pub/Sub push delivery wrapper.
type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PubSubPushHandler consumes push deliveries from the sync topic. Anything
// except a retryable failure answers 2xx so Pub/Sub stops redelivering;
// budget-exceeded jobs are re-published explicitly rather than nacked.
func PubSubPushHandler(c *gin.Context) {
	log := config.GetLogger()

	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		log.WithError(err).Error("invalid pubsub push envelope")
		// Malformed deliveries would redeliver forever; ack them away.
		c.Status(http.StatusNoContent)
		return
	}

	var payload SyncJobPayload
	if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil || payload.JobID == 0 {
		log.WithField("message_id", envelope.Message.MessageID).Error("pubsub message is not a sync job payload")
		c.Status(http.StatusNoContent)
		return
	}

	if err := ProcessSyncJob(c.Request.Context(), payload.JobID); err != nil {
		log.WithError(err).WithField("job_id", payload.JobID).Error("sync job failed")
		// The job row already records the failure; redelivery would not help.
		c.Status(http.StatusNoContent)
		return
	}
	c.Status(http.StatusNoContent)
}

// ProcessSyncJob runs one tracked job to completion or to its time budget.
// Jobs already completed or failed are skipped so redeliveries stay
// idempotent. A budget-exceeded job keeps its cursor and is re-published.
func ProcessSyncJob(ctx context.Context, jobID uint) error {
	log := config.GetLogger()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}

	job, err := rt.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.SyncJobStatusCompleted || job.Status == models.SyncJobStatusFailed {
		log.WithField("job_id", jobID).Info("sync job already finished; skipping redelivery")
		return nil
	}

	engine, err := rt.engineFor(job.EntityType)
	if err != nil {
		_ = rt.jobs.Fail(ctx, job.ID, err.Error())
		return err
	}

	_, err = engine.RunJob(ctx, job)
	if errors.Is(err, errBudgetExceeded) {
		log.WithField("job_id", job.ID).Info("re-dispatching sync job after budget stop")
		if pubErr := PublishSyncJob(ctx, job.ID); pubErr != nil {
			_ = rt.jobs.Fail(ctx, job.ID, "re-dispatch failed: "+pubErr.Error())
			return pubErr
		}
		return nil
	}
	return err
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
