package twins

import (
	"sync"

	"github.com/spotflow/device-sdk-go/pkg/logger"
)

// DesiredProperties is the immutable snapshot handed to user callbacks.
type DesiredProperties struct {
	// Version of the properties.
	Version uint64
	// Values of the individual properties encoded in JSON.
	Values string
}

// DesiredPropertiesUpdatedHandler is called with every accepted change of the
// desired properties. It runs on a dedicated goroutine, so it may block
// without stalling the SDK.
type DesiredPropertiesUpdatedHandler func(properties DesiredProperties) error

// callbackDispatcher decouples the reconciler from user code: updates are
// queued without bound and delivered one at a time on a dedicated goroutine.
// Panics in the callback are caught and logged.
type callbackDispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []DesiredProperties
	closed  bool
	stopped chan struct{}
}

func newCallbackDispatcher(callback DesiredPropertiesUpdatedHandler) *callbackDispatcher {
	d := &callbackDispatcher{stopped: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)

	logger.L().Debug("starting properties updated processing worker")
	go d.run(callback)

	return d
}

func (d *callbackDispatcher) run(callback DesiredPropertiesUpdatedHandler) {
	defer close(d.stopped)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			logger.L().Debug("properties updated processing worker is stopping")
			return
		}
		properties := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		invoke(callback, properties)
	}
}

func invoke(callback DesiredPropertiesUpdatedHandler, properties DesiredProperties) {
	defer func() {
		if cause := recover(); cause != nil {
			logger.L().Error("properties updated callback failed with panic", "cause", cause)
		}
	}()

	if err := callback(properties); err != nil {
		logger.L().Error("properties updated callback failed", "error", err)
	}
}

func (d *callbackDispatcher) dispatch(properties DesiredProperties) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, properties)
	d.cond.Signal()
}

// close drains the queue and joins the worker.
func (d *callbackDispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.stopped
}
