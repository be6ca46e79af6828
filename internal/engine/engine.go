// Package engine wires PISA's block-driven components into a single
// event loop: every resolved chain head from the block processor is
// handed to the watcher and the multi-responder's transaction tracker
// in turn, and the whole pipeline shuts down
// together on the process's terminating signal.
package engine

import (
	"github.com/sirupsen/logrus"

	"pisa/internal/appointmentapi"
	"pisa/internal/blockprocessor"
	"pisa/internal/responder"
	"pisa/internal/shutdown"
	"pisa/internal/watcher"
	"pisa/pkg/models"
)

// Engine owns the block processor's run loop and every component that
// reacts to its NEW_HEAD callback.
type Engine struct {
	processor *blockprocessor.BlockProcessor
	api       *appointmentapi.Server
	shutdown  *shutdown.GracefulShutdown
	logger    *logrus.Logger
}

// New builds an Engine. onNewHead callbacks for watcher, tracker and
// any other head-driven components should already be composed into
// the callback passed to blockprocessor.NewBlockProcessor before it
// reaches here; Engine only owns run/shutdown sequencing.
func New(
	processor *blockprocessor.BlockProcessor,
	api *appointmentapi.Server,
	gracefulShutdown *shutdown.GracefulShutdown,
	logger *logrus.Logger,
) *Engine {
	return &Engine{
		processor: processor,
		api:       api,
		shutdown:  gracefulShutdown,
		logger:    logger,
	}
}

// Run starts the block processor and the appointment API concurrently
// and blocks until the graceful shutdown manager's context is done.
func (e *Engine) Run() error {
	e.shutdown.Start()
	ctx := e.shutdown.Context()

	errCh := make(chan error, 2)

	go func() {
		if err := e.processor.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Errorf("block processor exited: %v", err)
			errCh <- err
		}
	}()

	if e.api != nil {
		go func() {
			if err := e.api.Run(ctx); err != nil {
				e.logger.Errorf("appointment api exited: %v", err)
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		e.shutdown.Wait()
		return nil
	case err := <-errCh:
		e.shutdown.Shutdown()
		e.shutdown.Wait()
		return err
	}
}

// ComposeOnNewHead chains multiple NEW_HEAD callbacks (watcher, the
// multi-responder's transaction tracker) into the single callback
// blockprocessor.BlockProcessor expects, running each in order and
// stopping at the first error.
func ComposeOnNewHead(handlers ...func(head *models.Block) error) func(head *models.Block) error {
	return func(head *models.Block) error {
		for _, h := range handlers {
			if err := h(head); err != nil {
				return err
			}
		}
		return nil
	}
}

// WatcherHead adapts a *watcher.Watcher to the composable NEW_HEAD
// handler signature.
func WatcherHead(w *watcher.Watcher) func(head *models.Block) error {
	return w.HandleNewHead
}

// TrackerHead adapts a *responder.TransactionTracker to the composable
// NEW_HEAD handler signature.
func TrackerHead(t *responder.TransactionTracker) func(head *models.Block) error {
	return t.HandleNewHead
}
