package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBusObserverCountsOutcomes(t *testing.T) {
	var obs BusObserver
	before := testutil.ToFloat64(EventsHandled.WithLabelValues("session_started", "success"))

	obs.Observe("session_started", 5*time.Millisecond, nil)
	obs.Observe("session_started", 5*time.Millisecond, errors.New("boom"))

	assert.Equal(t, before+1,
		testutil.ToFloat64(EventsHandled.WithLabelValues("session_started", "success")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(EventsHandled.WithLabelValues("session_started", "failure")))
}
