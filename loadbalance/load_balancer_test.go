package loadbalance

import (
	"context"
	"errors"
	"irpc/registry"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// fakeDiscoverer serves fixed endpoint sets and can block discovery of one service.
type fakeDiscoverer struct {
	mu        sync.Mutex
	services  map[string][]registry.Endpoint
	calls     atomic.Int64
	blockName string
	block     chan struct{}
}

func (d *fakeDiscoverer) Discover(ctx context.Context, appName, serviceName string) ([]registry.Endpoint, error) {
	d.calls.Inc()
	if serviceName == d.blockName {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	eps, ok := d.services[serviceName]
	if !ok || len(eps) == 0 {
		return nil, registry.ErrDiscovery
	}
	return eps, nil
}

func TestSelectEndpointCachesSelector(t *testing.T) {
	d := &fakeDiscoverer{services: map[string][]registry.Endpoint{"Arith": testEndpoints}}
	lb := New(RoundRobin{}, d)

	for i := 0; i < 10; i++ {
		ep, err := lb.SelectEndpoint(context.Background(), "", "Arith")
		require.NoError(t, err)
		assert.Contains(t, testEndpoints, ep)
	}
	assert.Equal(t, int64(1), d.calls.Load())

	eps, ok := lb.Endpoints("Arith")
	require.True(t, ok)
	assert.ElementsMatch(t, testEndpoints, eps)
}

func TestSelectEndpointDiscoveryFailure(t *testing.T) {
	d := &fakeDiscoverer{services: map[string][]registry.Endpoint{}}
	lb := New(RoundRobin{}, d)

	_, err := lb.SelectEndpoint(context.Background(), "", "Missing")
	assert.ErrorIs(t, err, registry.ErrDiscovery)

	// Failures are not cached.
	_, err = lb.SelectEndpoint(context.Background(), "", "Missing")
	assert.ErrorIs(t, err, registry.ErrDiscovery)
	assert.Equal(t, int64(2), d.calls.Load())

	_, ok := lb.Endpoints("Missing")
	assert.False(t, ok)
}

func TestSelectEndpointConcurrent(t *testing.T) {
	d := &fakeDiscoverer{services: map[string][]registry.Endpoint{"Arith": testEndpoints}}
	lb := New(RoundRobin{}, d)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ep, err := lb.SelectEndpoint(context.Background(), "", "Arith")
				if err != nil {
					errs <- err
					return
				}
				found := false
				for _, want := range testEndpoints {
					found = found || want == ep
				}
				if !found {
					errs <- errors.New("unexpected endpoint " + ep.String())
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int64(1), d.calls.Load(), "one discovery per service")
}

func TestSlowDiscoveryDoesNotBlockOtherServices(t *testing.T) {
	d := &fakeDiscoverer{
		services: map[string][]registry.Endpoint{
			"Slow": testEndpoints[:1],
			"Fast": testEndpoints[1:],
		},
		blockName: "Slow",
		block:     make(chan struct{}),
	}
	lb := New(RoundRobin{}, d)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = lb.SelectEndpoint(context.Background(), "", "Slow")
	}()

	// Reloading and selecting another service completes while Slow is stuck in discovery.
	done := make(chan struct{})
	go func() {
		defer close(done)
		lb.Reload("Fast", testEndpoints[1:])
		_, err := lb.SelectEndpoint(context.Background(), "", "Fast")
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("selection of an unrelated service was blocked")
	}

	close(d.block)
	<-slowDone
}

func TestReloadEmptyFailsSelection(t *testing.T) {
	d := &fakeDiscoverer{services: map[string][]registry.Endpoint{"Arith": testEndpoints}}
	lb := New(RoundRobin{}, d)

	_, err := lb.SelectEndpoint(context.Background(), "", "Arith")
	require.NoError(t, err)

	lb.Reload("Arith", nil)
	for i := 0; i < 5; i++ {
		_, err = lb.SelectEndpoint(context.Background(), "", "Arith")
		assert.ErrorIs(t, err, ErrNoAvailableEndpoint)
	}
	assert.Equal(t, int64(1), d.calls.Load(), "reload result must not be rediscovered")
}

func TestReloadReplacesCandidates(t *testing.T) {
	d := &fakeDiscoverer{services: map[string][]registry.Endpoint{"Arith": testEndpoints}}
	lb := New(RoundRobin{}, d)

	only := testEndpoints[2]
	lb.Reload("Arith", []registry.Endpoint{only})
	for i := 0; i < 10; i++ {
		ep, err := lb.SelectEndpoint(context.Background(), "", "Arith")
		require.NoError(t, err)
		assert.Equal(t, only, ep)
	}
	assert.Equal(t, int64(0), d.calls.Load())
}

func TestConcurrentReloadsLastWriterWins(t *testing.T) {
	lb := New(RoundRobin{}, &fakeDiscoverer{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			lb.Reload("Arith", testEndpoints[i%3:i%3+1])
		}(i)
		go func() {
			defer wg.Done()
			ep, err := lb.SelectEndpoint(context.Background(), "", "Arith")
			if err == nil {
				assert.Contains(t, testEndpoints, ep)
			}
		}()
	}
	wg.Wait()

	eps, ok := lb.Endpoints("Arith")
	require.True(t, ok)
	assert.Len(t, eps, 1)
}

func TestInvalidate(t *testing.T) {
	d := &fakeDiscoverer{services: map[string][]registry.Endpoint{"Arith": testEndpoints}}
	lb := New(RoundRobin{}, d)

	_, err := lb.SelectEndpoint(context.Background(), "", "Arith")
	require.NoError(t, err)
	lb.Invalidate("Arith")
	lb.Invalidate("Unknown")

	_, err = lb.SelectEndpoint(context.Background(), "", "Arith")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.calls.Load())
}

func TestFilterAppliesToDiscovery(t *testing.T) {
	d := &fakeDiscoverer{services: map[string][]registry.Endpoint{"Arith": testEndpoints}}
	lb := New(RoundRobin{}, d)
	lb.SetFilter("Arith", func(eps []registry.Endpoint) []registry.Endpoint {
		return eps[:1]
	})

	for i := 0; i < 3; i++ {
		got, err := lb.SelectEndpoint(context.Background(), "", "Arith")
		require.NoError(t, err)
		assert.Equal(t, testEndpoints[0], got)
	}

	// Reload takes the given set as is.
	lb.Reload("Arith", testEndpoints)
	eps, _ := lb.Endpoints("Arith")
	assert.Len(t, eps, 3)

	lb.SetFilter("Arith", nil)
	lb.Invalidate("Arith")
	_, err := lb.SelectEndpoint(context.Background(), "", "Arith")
	require.NoError(t, err)
	eps, _ = lb.Endpoints("Arith")
	assert.Len(t, eps, 3)
}
