package event

import "sync"

// Subscription is a disposable handle returned by every registration.
// Unsubscribe may be called any number of times.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Func wraps an arbitrary cleanup as a Subscription.
func Func(cancel func()) *Subscription {
	return newSubscription(cancel)
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
