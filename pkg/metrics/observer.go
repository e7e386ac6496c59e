package metrics

import "time"

// BusObserver records per-handler outcomes from the event bus. It satisfies
// the bus Observer interface.
type BusObserver struct{}

// Observe counts one handler invocation and its duration.
func (BusObserver) Observe(eventName string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	EventsHandled.WithLabelValues(eventName, outcome).Inc()
	EventHandleDuration.WithLabelValues(eventName).Observe(duration.Seconds())
}
