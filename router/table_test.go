// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datavision-io/des/assignment"
)

func newTestTable(t *testing.T, urls int) *Table {
	var list []string
	for i := 0; i < urls; i++ {
		list = append(list, "http://retriever")
	}
	table, err := NewTable(list, StrategyHashByte, 3, time.Minute)
	require.NoError(t, err)
	return table
}

func TestNewTableValidation(t *testing.T) {
	_, err := NewTable(nil, StrategyHashByte, 3, time.Minute)
	assert.True(t, Error.Has(err), "%v", err)

	_, err = NewTable([]string{"http://a"}, "random", 3, time.Minute)
	assert.True(t, Error.Has(err), "%v", err)
}

func TestHashByte(t *testing.T) {
	b, err := HashByte("ignored", "ignored", 0x2a)
	require.NoError(t, err)
	assert.EqualValues(t, 0x2a, b)

	_, err = HashByte("x", "", 300)
	assert.Error(t, err)

	b, err = HashByte("ignored", "fe12ab", -1)
	require.NoError(t, err)
	assert.EqualValues(t, 0xfe, b)

	_, err = HashByte("x", "f", -1)
	assert.Error(t, err)
	_, err = HashByte("x", "zz00", -1)
	assert.Error(t, err)

	name := "DES_20260115_(0001A2B3C4D5_00)"
	b, err = HashByte(name, "", -1)
	require.NoError(t, err)
	assert.Equal(t, assignment.HashHex(name)[:2], fmt.Sprintf("%02x", b))
}

func TestSequencePrimaryByByte(t *testing.T) {
	table := newTestTable(t, 4)

	for routing := 0; routing < 256; routing++ {
		sequence, err := table.Sequence(byte(routing))
		require.NoError(t, err)
		require.Len(t, sequence, 4)
		assert.Equal(t, table.endpoints[routing%4], sequence[0])

		seen := map[*Endpoint]struct{}{}
		for _, endpoint := range sequence {
			seen[endpoint] = struct{}{}
		}
		assert.Len(t, seen, 4, "fallbacks must not repeat")
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	table := newTestTable(t, 3)

	table.MarkFailure("1")
	table.MarkFailure("1")
	assert.Equal(t, 3, table.HealthyCount(), "below threshold stays healthy")

	table.MarkFailure("1")
	assert.Equal(t, 2, table.HealthyCount())

	// sequences route around the open breaker
	for routing := 0; routing < 256; routing++ {
		sequence, err := table.Sequence(byte(routing))
		require.NoError(t, err)
		require.Len(t, sequence, 2)
		for _, endpoint := range sequence {
			assert.NotEqual(t, "1", endpoint.ID)
		}
	}

	// success closes the breaker again
	table.MarkSuccess("1")
	assert.Equal(t, 3, table.HealthyCount())
	snapshot := table.Snapshot()
	assert.Zero(t, snapshot[1].Failures)
	assert.True(t, snapshot[1].Healthy)
}

func TestSequenceAllUnhealthy(t *testing.T) {
	table := newTestTable(t, 2)
	now := time.Now()
	table.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		table.MarkFailure("0")
		table.MarkFailure("1")
	}
	_, err := table.Sequence(0)
	assert.True(t, ErrNoHealthy.Has(err), "%v", err)

	// past the breaker timeout the endpoints half-open again
	now = now.Add(2 * time.Minute)
	sequence, err := table.Sequence(0)
	require.NoError(t, err)
	assert.Len(t, sequence, 2)
}

func TestBreakerHalfOpen(t *testing.T) {
	table := newTestTable(t, 2)
	now := time.Now()
	table.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		table.MarkFailure("0")
	}
	assert.Equal(t, 1, table.HealthyCount())

	now = now.Add(61 * time.Second)
	assert.Equal(t, 2, table.HealthyCount(), "breaker should half-open after the timeout")
	snapshot := table.Snapshot()
	assert.Zero(t, snapshot[0].Failures)
}

func TestRoundRobin(t *testing.T) {
	table, err := NewTable([]string{"http://a", "http://b", "http://c"},
		StrategyRoundRobin, 3, time.Minute)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 6; i++ {
		sequence, err := table.Sequence(0)
		require.NoError(t, err)
		order = append(order, sequence[0].ID)
	}
	assert.Equal(t, []string{"0", "1", "2", "0", "1", "2"}, order)
}
