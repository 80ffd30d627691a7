package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docqueue/docq/pkg/client"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (the message will be acked).
// Returning an error means failure (the lease is dropped so the message
// expires back to claimable and eventually dead-letters).
type HandlerFunc func(ctx context.Context, msg *client.Message) error

// Worker polls queues, keeps leases alive while handlers run, and acks on
// success.
type Worker struct {
	client     *client.Client
	handlers   map[string]HandlerFunc
	pollDelay  time.Duration
	visibility time.Duration
	claimant   string
	log        *logrus.Logger
}

// Config for creating a new worker
type Config struct {
	BaseURL    string        // docq server URL
	PollDelay  time.Duration // time between polling attempts (default: 1s)
	Visibility time.Duration // lease duration per claim (default: 30s)
	Claimant   string        // identity recorded on claimed messages
	Log        *logrus.Logger
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 1 * time.Second
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}

	return &Worker{
		client:     client.New(cfg.BaseURL),
		handlers:   make(map[string]HandlerFunc),
		pollDelay:  cfg.PollDelay,
		visibility: cfg.Visibility,
		claimant:   cfg.Claimant,
		log:        cfg.Log,
	}
}

// Handle registers a handler function for a specific queue
func (w *Worker) Handle(queue string, handler HandlerFunc) {
	w.handlers[queue] = handler
	w.log.WithField("queue", queue).Info("registered handler")
}

// Run starts the worker and blocks until context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	w.log.WithField("queues", len(w.handlers)).Info("worker starting")

	for queue, handler := range w.handlers {
		go w.pollQueue(ctx, queue, handler)
	}

	<-ctx.Done()
	w.log.Info("worker shutting down")
	return nil
}

// pollQueue continuously claims from a queue and processes messages
func (w *Worker) pollQueue(ctx context.Context, queue string, handler HandlerFunc) {
	ticker := time.NewTicker(w.pollDelay)
	defer ticker.Stop()

	w.log.WithField("queue", queue).Info("started polling")

	for {
		select {
		case <-ctx.Done():
			w.log.WithField("queue", queue).Info("stopped polling")
			return

		case <-ticker.C:
			// Drain what is claimable, then go back to sleep.
			for {
				msg, err := w.client.Claim(ctx, queue, &client.ClaimOptions{
					Visibility: w.visibility,
					Claimant:   w.claimant,
				})
				if err != nil {
					w.log.WithError(err).WithField("queue", queue).Error("claim failed")
					break
				}
				if msg == nil {
					break
				}
				w.processMessage(ctx, msg, handler)
			}
		}
	}
}

// processMessage runs the handler under a live lease: a heartbeat goroutine
// renews at half the visibility window until the handler returns.
func (w *Worker) processMessage(ctx context.Context, msg *client.Message, handler HandlerFunc) {
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(w.visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-handlerCtx.Done():
				return
			case <-ticker.C:
				if err := w.client.Renew(handlerCtx, msg.Queue, msg.LeaseToken, w.visibility); err != nil {
					w.log.WithError(err).WithFields(logrus.Fields{
						"queue": msg.Queue,
						"id":    msg.ID,
					}).Warn("lease renewal failed")
					return
				}
			}
		}
	}()

	err := w.runHandler(handlerCtx, msg, handler)

	cancel()
	<-heartbeatDone

	if err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"queue": msg.Queue,
			"id":    msg.ID,
			"tries": msg.Tries,
		}).Error("handler failed, dropping lease")
		// No ack: the lease expires and the message becomes claimable again.
		return
	}

	if err := w.client.Ack(ctx, msg.Queue, msg.LeaseToken); err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"queue": msg.Queue,
			"id":    msg.ID,
		}).Error("ack failed")
		return
	}

	w.log.WithFields(logrus.Fields{
		"queue": msg.Queue,
		"id":    msg.ID,
	}).Info("processed message")
}

// runHandler isolates handler panics so a bad message cannot kill the poll
// loop; the panic counts as a failure and the lease is dropped.
func (w *Worker) runHandler(ctx context.Context, msg *client.Message, handler HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
