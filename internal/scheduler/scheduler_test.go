package scheduler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetfs/internal/registry"
)

func newRegistry(t *testing.T, n int) *registry.Registry {
	t.Helper()
	r := registry.New()
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("w%d", i)
		require.NoError(t, r.Register(registry.Worker{Name: name, Kind: registry.KindDisk, Root: "/tmp/" + name}))
		_, _, err := r.SetStatus(name, registry.StatusHealthy)
		require.NoError(t, err)
	}
	return r
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{
		"fcfs":         FCFS,
		"SJN":          LeastLoaded,
		"least-loaded": LeastLoaded,
		"round-robin":  RoundRobin,
		"rr":           RoundRobin,
	}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("random")
	assert.Error(t, err)
}

func TestNoHealthyWorkers(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(registry.Worker{Name: "w1", Kind: registry.KindDisk, Root: "/tmp"}))
	s := New(r, FCFS)
	_, err := s.Select()
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
	_, err = s.Assign()
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
}

func TestFCFSAlwaysFirst(t *testing.T) {
	r := newRegistry(t, 3)
	s := New(r, FCFS)
	for i := 0; i < 5; i++ {
		w, err := s.Assign()
		require.NoError(t, err)
		assert.Equal(t, "w1", w.Name)
	}
	assert.EqualValues(t, 5, r.Load("w1"))
}

func TestFCFSSkipsUnhealthy(t *testing.T) {
	r := newRegistry(t, 3)
	_, _, _ = r.SetStatus("w1", registry.StatusUnhealthy)
	s := New(r, FCFS)
	w, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "w2", w.Name)
}

func TestRoundRobinVisitsEachOnce(t *testing.T) {
	r := newRegistry(t, 4)
	s := New(r, RoundRobin)
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		w, err := s.Select()
		require.NoError(t, err)
		seen[w.Name]++
	}
	assert.Len(t, seen, 4)
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}

func TestRoundRobinResetsWhenSetShrinks(t *testing.T) {
	r := newRegistry(t, 3)
	s := New(r, RoundRobin)
	for i := 0; i < 2; i++ {
		_, err := s.Select()
		require.NoError(t, err)
	}
	_, _, _ = r.SetStatus("w2", registry.StatusOffline)
	_, _, _ = r.SetStatus("w3", registry.StatusOffline)
	w, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "w1", w.Name)
}

func TestLeastLoadedPicksMinimum(t *testing.T) {
	r := newRegistry(t, 3)
	_, _ = r.Acquire("w1")
	_, _ = r.Acquire("w1")
	_, _ = r.Acquire("w2")
	s := New(r, LeastLoaded)
	w, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "w3", w.Name)
	for _, other := range r.Healthy() {
		assert.LessOrEqual(t, r.Load(w.Name), r.Load(other.Name))
	}
}

func TestLeastLoadedTiesBreakByRegistrationOrder(t *testing.T) {
	r := newRegistry(t, 3)
	s := New(r, LeastLoaded)
	w, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "w1", w.Name)
}

func TestLeastLoadedAvoidsDownWorker(t *testing.T) {
	r := newRegistry(t, 4)
	_, _, _ = r.SetStatus("w3", registry.StatusOffline)
	s := New(r, LeastLoaded)
	for i := 0; i < 5; i++ {
		w, err := s.Assign()
		require.NoError(t, err)
		assert.NotEqual(t, "w3", w.Name)
	}
	assert.EqualValues(t, 0, r.Load("w3"))
	loads := []int64{r.Load("w1"), r.Load("w2"), r.Load("w4")}
	lo, hi := loads[0], loads[0]
	for _, l := range loads {
		if l < lo {
			lo = l
		}
		if l > hi {
			hi = l
		}
	}
	assert.LessOrEqual(t, hi-lo, int64(1))
	assert.EqualValues(t, 5, loads[0]+loads[1]+loads[2])
}

func TestConcurrentAssignKeepsSkewMinimal(t *testing.T) {
	r := newRegistry(t, 4)
	s := New(r, LeastLoaded)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Assign()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for i := 1; i <= 4; i++ {
		assert.EqualValues(t, 10, r.Load(fmt.Sprintf("w%d", i)))
	}
}

func TestSetPolicy(t *testing.T) {
	r := newRegistry(t, 2)
	s := New(r, FCFS)
	s.SetPolicy(RoundRobin)
	assert.Equal(t, RoundRobin, s.Policy())
	a, _ := s.Select()
	b, _ := s.Select()
	assert.NotEqual(t, a.Name, b.Name)
}
