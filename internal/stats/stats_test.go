package stats

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func Test_IncrDecr(t *testing.T) {
	updater := NewStatsUpdater(nil)
	updater.RegisterMetric("messages_received")
	updater.Run()
	defer updater.Stop()

	updater.Incr("messages_received")
	updater.Incr("messages_received")
	updater.Decr("messages_received")

	assert.Eventually(t, func() bool {
		return updater.vars.Get("messages_received").String() == "1"
	}, time.Second, 10*time.Millisecond, "expected counter to settle at 1")
}
