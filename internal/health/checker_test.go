package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamesh/internal/registry"
)

func testEndpoint(serviceID, id string) *registry.ServiceEndpoint {
	return &registry.ServiceEndpoint{
		ID:        id,
		ServiceID: serviceID,
		Host:      "127.0.0.1",
		Port:      8080,
		Protocol:  registry.ProtocolHTTP,
	}
}

// flakyProber fails while failing is set and succeeds otherwise.
type flakyProber struct {
	failing atomic.Bool
	probes  atomic.Int64
}

func (p *flakyProber) Probe(_ context.Context, _ *registry.ServiceEndpoint) error {
	p.probes.Add(1)
	if p.failing.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func fastConfig() Config {
	return Config{
		Interval:           5 * time.Millisecond,
		Timeout:            50 * time.Millisecond,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}
}

func TestChecker_StartsHealthy(t *testing.T) {
	prober := &flakyProber{}
	checker := NewChecker(prober, Config{Interval: time.Hour})
	defer checker.Stop()

	checker.Watch(testEndpoint("svc", "ep-1"))

	assert.True(t, checker.Healthy("ep-1"))
	assert.False(t, checker.Healthy("unknown"))
}

func TestChecker_MarksUnhealthyAfterThreshold(t *testing.T) {
	prober := &flakyProber{}
	prober.failing.Store(true)

	checker := NewChecker(prober, fastConfig())
	defer checker.Stop()

	checker.Watch(testEndpoint("svc", "ep-1"))

	require.Eventually(t, func() bool {
		return !checker.Healthy("ep-1")
	}, time.Second, time.Millisecond)

	r, ok := checker.Result("ep-1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, r.ConsecutiveFailures, 3)
	assert.Equal(t, "connection refused", r.LastError)
	assert.False(t, r.LastChecked.IsZero())
}

func TestChecker_SingleFailureDoesNotFlip(t *testing.T) {
	var calls atomic.Int64
	prober := ProberFunc(func(context.Context, *registry.ServiceEndpoint) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	checker := NewChecker(prober, fastConfig())
	defer checker.Stop()

	checker.Watch(testEndpoint("svc", "ep-1"))

	require.Eventually(t, func() bool {
		return calls.Load() >= 5
	}, time.Second, time.Millisecond)

	assert.True(t, checker.Healthy("ep-1"))
}

func TestChecker_RecoversAfterHealthyThreshold(t *testing.T) {
	prober := &flakyProber{}
	prober.failing.Store(true)

	checker := NewChecker(prober, fastConfig())
	defer checker.Stop()

	checker.Watch(testEndpoint("svc", "ep-1"))

	require.Eventually(t, func() bool {
		return !checker.Healthy("ep-1")
	}, time.Second, time.Millisecond)

	prober.failing.Store(false)

	require.Eventually(t, func() bool {
		return checker.Healthy("ep-1")
	}, time.Second, time.Millisecond)

	r, ok := checker.Result("ep-1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, r.ConsecutiveSuccesses, 2)
	assert.Empty(t, r.LastError)
}

func TestChecker_StatusCallbackOnTransitions(t *testing.T) {
	prober := &flakyProber{}
	prober.failing.Store(true)

	var mu sync.Mutex
	var transitions []bool

	checker := NewChecker(prober, fastConfig(),
		WithStatusFunc(func(_ *registry.ServiceEndpoint, healthy bool) {
			mu.Lock()
			transitions = append(transitions, healthy)
			mu.Unlock()
		}),
	)
	defer checker.Stop()

	checker.Watch(testEndpoint("svc", "ep-1"))

	require.Eventually(t, func() bool {
		return !checker.Healthy("ep-1")
	}, time.Second, time.Millisecond)

	prober.failing.Store(false)

	require.Eventually(t, func() bool {
		return checker.Healthy("ep-1")
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 2)
	assert.False(t, transitions[0])
	assert.True(t, transitions[1])
}

func TestChecker_UnwatchStopsProbing(t *testing.T) {
	prober := &flakyProber{}
	checker := NewChecker(prober, fastConfig())
	defer checker.Stop()

	checker.Watch(testEndpoint("svc", "ep-1"))
	checker.Unwatch("ep-1")

	_, ok := checker.Result("ep-1")
	assert.False(t, ok)

	count := prober.probes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, prober.probes.Load())
}

func TestChecker_UnwatchService(t *testing.T) {
	prober := &flakyProber{}
	checker := NewChecker(prober, fastConfig())
	defer checker.Stop()

	checker.Watch(testEndpoint("svc-a", "ep-1"))
	checker.Watch(testEndpoint("svc-a", "ep-2"))
	checker.Watch(testEndpoint("svc-b", "ep-3"))

	checker.UnwatchService("svc-a")

	assert.False(t, checker.Healthy("ep-1"))
	assert.False(t, checker.Healthy("ep-2"))
	assert.True(t, checker.Healthy("ep-3"))
	assert.Len(t, checker.Results(), 1)
}

func TestChecker_StopWaitsForProbeLoops(t *testing.T) {
	prober := &flakyProber{}
	checker := NewChecker(prober, fastConfig())

	checker.Watch(testEndpoint("svc", "ep-1"))
	checker.Watch(testEndpoint("svc", "ep-2"))

	checker.Stop()
	checker.Stop()

	count := prober.probes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, prober.probes.Load())
}

func TestHTTPProber_StatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"no content", http.StatusNoContent, false},
		{"server error", http.StatusInternalServerError, true},
		{"not found", http.StatusNotFound, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/healthz", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			u, err := url.Parse(srv.URL)
			require.NoError(t, err)
			port, err := strconv.Atoi(u.Port())
			require.NoError(t, err)

			ep := &registry.ServiceEndpoint{
				ID:        "ep-1",
				ServiceID: "svc",
				Host:      u.Hostname(),
				Port:      port,
				Protocol:  registry.ProtocolHTTP,
			}

			prober := NewHTTPProber("", time.Second)
			err = prober.Probe(context.Background(), ep)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPProber_Unreachable(t *testing.T) {
	prober := NewHTTPProber("/healthz", 100*time.Millisecond)
	ep := &registry.ServiceEndpoint{
		ID:        "ep-1",
		ServiceID: "svc",
		Host:      "127.0.0.1",
		Port:      1,
		Protocol:  registry.ProtocolHTTP,
	}

	assert.Error(t, prober.Probe(context.Background(), ep))
}
