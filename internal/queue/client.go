package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kilnmedia/kiln/internal/config"
)

// Publisher emits work items. Workers and the scheduler depend on this
// interface; tests substitute a fake.
type Publisher interface {
	EnqueueThumbnail(ctx context.Context, p ArtifactPayload) error
	EnqueueCache(ctx context.Context, p ArtifactPayload) error
	EnqueueCollectionScan(ctx context.Context, p CollectionScanPayload) error
	EnqueueBulkAdd(ctx context.Context, p BulkAddPayload) error
	EnqueueLibraryScan(ctx context.Context, p LibraryScanPayload) error
}

// Client publishes durable tasks through asynq
type Client struct {
	client     *asynq.Client
	maxRetries int
	timeout    time.Duration
}

// NewClient connects a publisher to the broker
func NewClient(redis config.RedisConfig, worker config.WorkerConfig) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     redis.Addr,
			Password: redis.Password,
			DB:       redis.DB,
		}),
		maxRetries: worker.MaxRetries,
		timeout:    worker.HandlerTimeout,
	}
}

// Close releases the broker connection
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) enqueue(ctx context.Context, typename, queue string, payload interface{}) error {
	task, err := newTask(typename, payload,
		asynq.Queue(queue),
		asynq.MaxRetry(c.maxRetries),
		asynq.Timeout(c.timeout),
	)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", typename, err)
	}
	return nil
}

// EnqueueThumbnail publishes a thumbnail work item
func (c *Client) EnqueueThumbnail(ctx context.Context, p ArtifactPayload) error {
	return c.enqueue(ctx, TypeThumbnail, QueueThumbnail, p)
}

// EnqueueCache publishes a cache work item
func (c *Client) EnqueueCache(ctx context.Context, p ArtifactPayload) error {
	return c.enqueue(ctx, TypeCache, QueueCache, p)
}

// EnqueueCollectionScan publishes a collection-scan work item
func (c *Client) EnqueueCollectionScan(ctx context.Context, p CollectionScanPayload) error {
	return c.enqueue(ctx, TypeCollectionScan, QueueCollectionScan, p)
}

// EnqueueBulkAdd publishes a bulk ingest work item
func (c *Client) EnqueueBulkAdd(ctx context.Context, p BulkAddPayload) error {
	return c.enqueue(ctx, TypeBulkAdd, QueueBulkAdd, p)
}

// EnqueueLibraryScan publishes a library run work item
func (c *Client) EnqueueLibraryScan(ctx context.Context, p LibraryScanPayload) error {
	return c.enqueue(ctx, TypeLibraryScan, QueueLibraryScan, p)
}
