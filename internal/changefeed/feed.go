package changefeed

import (
	"context"
	"sync"

	"github.com/jogardn/dropship-orders/pkg/models"
)

// Subscription delivers decoded change events for one principal until closed or failed.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	// Done is closed once the subscription ends, by Close or by a transport failure.
	Done() <-chan struct{}
	// Err returns the failure that ended the subscription, nil after a clean Close.
	Err() error
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, principalID string) (Subscription, error)
}

// Feed is a channel-backed Subscription. Transports push into it.
type Feed struct {
	events  chan models.ChangeEvent
	done    chan struct{}
	once    sync.Once
	mutex   sync.Mutex
	err     error
	onClose func()
}

func NewFeed(buffer int, onClose func()) *Feed {
	return &Feed{
		events:  make(chan models.ChangeEvent, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (f *Feed) Events() <-chan models.ChangeEvent { return f.events }
func (f *Feed) Done() <-chan struct{}             { return f.done }

func (f *Feed) Err() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.err
}

// Push hands an event to the consumer. It returns false once the feed has ended.
func (f *Feed) Push(ctx context.Context, event models.ChangeEvent) bool {
	select {
	case <-f.done:
		return false
	default:
	}

	select {
	case f.events <- event:
		return true
	case <-f.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Fail ends the feed with err.
func (f *Feed) Fail(err error) {
	f.finish(err)
}

func (f *Feed) Close() error {
	f.finish(nil)
	return nil
}

func (f *Feed) finish(err error) {
	f.once.Do(func() {
		f.mutex.Lock()
		f.err = err
		f.mutex.Unlock()
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
}
