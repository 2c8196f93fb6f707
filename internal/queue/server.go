package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/config"
)

// WorkerServer is one consumer loop bound to a single queue with its
// own prefetch window (asynq concurrency). Running one server per work
// kind keeps slow scans from starving the artifact workers.
type WorkerServer struct {
	queue  string
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorkerServer builds a consumer for one queue
func NewWorkerServer(redis config.RedisConfig, queue string, prefetch int, grace time.Duration, log *logrus.Logger) *WorkerServer {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redis.Addr,
			Password: redis.Password,
			DB:       redis.DB,
		},
		asynq.Config{
			Concurrency:     prefetch,
			Queues:          map[string]int{queue: 1},
			ShutdownTimeout: grace,
			Logger:          log,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				log.WithFields(logrus.Fields{
					"queue":   queue,
					"type":    task.Type(),
					"retried": retried,
					"max":     maxRetry,
				}).WithError(err).Warn("Task handler failed")
			}),
		},
	)
	return &WorkerServer{
		queue:  queue,
		server: srv,
		mux:    asynq.NewServeMux(),
	}
}

// Handle registers a handler for a task type
func (w *WorkerServer) Handle(typename string, h asynq.Handler) {
	w.mux.Handle(typename, h)
}

// Start begins consuming. It returns once the server is running.
func (w *WorkerServer) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown stops intake and drains in-flight tasks within the grace
// period. Undrained tasks stay unacknowledged and redeliver.
func (w *WorkerServer) Shutdown() {
	w.server.Shutdown()
}

// Queue returns the queue this server consumes
func (w *WorkerServer) Queue() string {
	return w.queue
}
