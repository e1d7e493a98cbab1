// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package execcache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// testKey allows forcing hash collisions: Equal only looks at id.
type testKey struct {
	id   int
	hash uint64
}

func (k testKey) Hash() uint64             { return k.hash }
func (k testKey) Equal(other testKey) bool { return k.id == other.id }

type executor struct {
	id int
}

func countingBuilder(counter *atomic.Int32) func(testKey) (*executor, error) {
	return func(key testKey) (*executor, error) {
		counter.Add(1)
		return &executor{id: key.id}, nil
	}
}

func TestResolve(t *testing.T) {
	c := New[testKey, *executor]()
	var builds atomic.Int32
	builder := countingBuilder(&builds)

	e1, status, err := c.Resolve(testKey{id: 1, hash: 1}, builder)
	require.NoError(t, err)
	assert.Equal(t, Miss, status)
	e1b, status, err := c.Resolve(testKey{id: 1, hash: 1}, builder)
	require.NoError(t, err)
	assert.Equal(t, Hit, status)
	assert.Same(t, e1, e1b)

	// Same hash, different key: must not be confused.
	e2, status, err := c.Resolve(testKey{id: 2, hash: 1}, builder)
	require.NoError(t, err)
	assert.Equal(t, Miss, status)
	assert.NotSame(t, e1, e2)
	assert.Equal(t, 2, e2.id)

	assert.Equal(t, int32(2), builds.Load())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, Stats{Hits: 1, Misses: 2, Builds: 2}, c.Stats())
	assert.Contains(t, c.Stats().String(), "hits=1")

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, status, err = c.Resolve(testKey{id: 1, hash: 1}, builder)
	require.NoError(t, err)
	assert.Equal(t, Miss, status)
}

func TestResolve_AtMostOneBuild(t *testing.T) {
	const numCallers = 16
	c := New[testKey, *executor]()
	var builds atomic.Int32
	key := testKey{id: 7, hash: 7}
	builder := func(key testKey) (*executor, error) {
		builds.Add(1)
		// Hold the build until every other caller is waiting on it.
		deadline := time.Now().Add(5 * time.Second)
		for c.Stats().Hits < numCallers-1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return &executor{id: key.id}, nil
	}

	results := make([]*executor, numCallers)
	var g errgroup.Group
	for i := range numCallers {
		g.Go(func() error {
			e, _, err := c.Resolve(key, builder)
			results[i] = e
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), builds.Load())
	for _, e := range results {
		assert.Same(t, results[0], e)
	}
	assert.Equal(t, Stats{Hits: numCallers - 1, Misses: 1, Builds: 1}, c.Stats())
}

func TestResolve_DistinctKeysDontWait(t *testing.T) {
	c := New[testKey, *executor]()
	release := make(chan struct{})
	slowStarted := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		_, _, err := c.Resolve(testKey{id: 1, hash: 1}, func(key testKey) (*executor, error) {
			close(slowStarted)
			<-release
			return &executor{id: key.id}, nil
		})
		return err
	})
	<-slowStarted

	// A different key, even one colliding on the hash, is built while the first build is in flight.
	var builds atomic.Int32
	e, status, err := c.Resolve(testKey{id: 2, hash: 1}, countingBuilder(&builds))
	require.NoError(t, err)
	assert.Equal(t, Miss, status)
	assert.Equal(t, 2, e.id)
	assert.Equal(t, 2, c.Len())
	close(release)
	require.NoError(t, g.Wait())
}

func TestResolve_ErrorsNotRetained(t *testing.T) {
	c := New[testKey, *executor]()
	key := testKey{id: 3, hash: 3}
	_, status, err := c.Resolve(key, func(testKey) (*executor, error) {
		return nil, errors.New("no implementation")
	})
	require.ErrorContains(t, err, "no implementation")
	assert.Equal(t, Miss, status)
	assert.Equal(t, 0, c.Len())

	// Panics are converted to errors.
	_, _, err = c.Resolve(key, func(testKey) (*executor, error) {
		panic("bad builder")
	})
	require.ErrorContains(t, err, "bad builder")

	var builds atomic.Int32
	e, status, err := c.Resolve(key, countingBuilder(&builds))
	require.NoError(t, err)
	assert.Equal(t, Miss, status)
	assert.Equal(t, 3, e.id)
	assert.Equal(t, uint64(3), c.Stats().Builds)
}

func TestWithCapacity(t *testing.T) {
	c := New[testKey, *executor](WithCapacity(2), WithName("test"))
	assert.Equal(t, 2, c.Capacity())
	var builds atomic.Int32
	builder := countingBuilder(&builds)
	resolve := func(id int) LookupStatus {
		_, status, err := c.Resolve(testKey{id: id, hash: uint64(id % 2)}, builder)
		require.NoError(t, err)
		return status
	}
	assert.Equal(t, Miss, resolve(1))
	assert.Equal(t, Miss, resolve(2))
	assert.Equal(t, Hit, resolve(1)) // 2 is now the least recently used.
	assert.Equal(t, Miss, resolve(3))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.Equal(t, Hit, resolve(1))
	assert.Equal(t, Miss, resolve(2))

	// In-flight entries are never evicted.
	c = New[testKey, *executor](WithCapacity(1))
	release := make(chan struct{})
	started := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		_, _, err := c.Resolve(testKey{id: 10, hash: 10}, func(key testKey) (*executor, error) {
			close(started)
			<-release
			return &executor{id: key.id}, nil
		})
		return err
	})
	<-started
	for id := range 3 {
		_, _, err := c.Resolve(testKey{id: id, hash: uint64(id)}, builder)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len()) // The in-flight entry plus the most recent one.
	close(release)
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, c.Len())
	_, status, err := c.Resolve(testKey{id: 10, hash: 10}, builder)
	require.NoError(t, err)
	assert.Equal(t, Hit, status)
}
