package eventwatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/crusoecloud/vector-config-reloader/internal/errortypes"
	"github.com/crusoecloud/vector-config-reloader/internal/metrics"
)

type watchFunc func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)

type eventFunc func(ctx context.Context, event watch.Event) error

// watcher runs one watch stream and hands its events, one at a time and in order, to
// handle. A stream that is closed by the server is re-established, at most once per
// reconnectDelay, resuming from the last seen resource version. A failed watch request
// or an error event ends the watcher.
type watcher struct {
	stream         string
	fieldSelector  string
	watch          watchFunc
	handle         eventFunc
	reconnectDelay time.Duration
}

// Start blocks until the context is cancelled or the stream fails.
func (w *watcher) Start(ctx context.Context) error {
	log := logf.FromContext(ctx).WithValues("stream", w.stream)
	ctx = logf.IntoContext(ctx, log)

	var resourceVersion string

	limiter := rate.NewLimiter(rate.Every(w.reconnectDelay), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			log.V(1).Info("Context cancelled, stopping watcher")
			return nil
		}

		stream, err := w.watch(ctx, metav1.ListOptions{
			FieldSelector:   w.fieldSelector,
			ResourceVersion: resourceVersion,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return &errortypes.APIRequestFailedError{Err: fmt.Errorf("failed to watch %s: %w", w.stream, err)}
		}

		log.V(1).Info("Watch established", "resourceVersion", resourceVersion)

		lastSeen, err := w.consume(ctx, stream)
		stream.Stop()

		if err != nil {
			return err
		}

		if lastSeen != "" {
			resourceVersion = lastSeen
		}

		if ctx.Err() != nil {
			log.V(1).Info("Context cancelled, stopping watcher")
			return nil
		}

		log.V(1).Info("Watch channel closed, reconnecting", "minDelay", w.reconnectDelay.String())
	}
}

// consume reads the stream until it is closed or the context is cancelled and returns
// the last seen resource version. Handlers run with a context that is not cancelled on
// shutdown, so that an event in flight is always handled to completion.
func (w *watcher) consume(ctx context.Context, stream watch.Interface) (string, error) {
	log := logf.FromContext(ctx)
	handlerCtx := context.WithoutCancel(ctx)

	var resourceVersion string

	for {
		select {
		case <-ctx.Done():
			return resourceVersion, nil
		case event, ok := <-stream.ResultChan():
			if !ok {
				return resourceVersion, nil
			}

			metrics.WatchEvents.WithLabelValues(w.stream, string(event.Type)).Inc()

			if event.Type == watch.Error {
				return "", &errortypes.APIRequestFailedError{
					Err: fmt.Errorf("watch %s failed: %w", w.stream, apierrors.FromObject(event.Object)),
				}
			}

			if accessor, err := meta.Accessor(event.Object); err == nil && accessor.GetResourceVersion() != "" {
				resourceVersion = accessor.GetResourceVersion()
			}

			if event.Type == watch.Bookmark {
				continue
			}

			if err := w.handle(handlerCtx, event); err != nil {
				log.Error(err, "Failed to handle watch event", "type", event.Type)
			}
		}
	}
}
