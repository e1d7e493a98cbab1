// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go l.Trigger()
	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("latch never triggered")
	}
	l.Wait()
	l.Trigger() // No-op.
	assert.True(t, l.Test())
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	results := make(chan int, 3)
	for range 3 {
		go func() {
			v, err := l.Wait()
			if err == nil {
				results <- v
			}
		}()
	}
	l.Trigger(7, nil)
	l.Trigger(8, errors.New("ignored"))
	for range 3 {
		select {
		case v := <-results:
			require.Equal(t, 7, v)
		case <-time.After(time.Second):
			t.Fatal("waiters never released")
		}
	}

	failed := NewLatchWithValue[string]()
	failed.Trigger("", errors.New("build failed"))
	_, err := failed.Wait()
	require.ErrorContains(t, err, "build failed")
	assert.True(t, failed.Test())
}
