// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package cond

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSetGetClear(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, Off, s.Get("net/eth0/up"))

	require.NoError(t, s.Set("net/eth0/up"))
	assert.Equal(t, On, s.Get("net/eth0/up"))

	require.NoError(t, s.Clear("net/eth0/up"))
	assert.Equal(t, Off, s.Get("net/eth0/up"))
}

func TestFluxAfterReconfBump(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("usr/ready"))
	assert.Equal(t, On, s.Get("usr/ready"))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.BumpReconfMarker())
	assert.Equal(t, Flux, s.Get("usr/ready"))

	require.NoError(t, s.Reassert("usr/"))
	assert.Equal(t, On, s.Get("usr/ready"))
}

func TestGetAgg(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("net/eth0/up"))

	assert.Equal(t, On, s.GetAgg(nil))
	assert.Equal(t, On, s.GetAgg([]string{"net/eth0/up"}))
	assert.Equal(t, Off, s.GetAgg([]string{"net/eth0/up", "pid/missing"}))
	assert.Equal(t, Off, s.GetAgg([]string{"!net/eth0/up"}))

	require.NoError(t, s.Set("pid/foo"))
	assert.Equal(t, On, s.GetAgg([]string{"net/eth0/up", "pid/foo", "!pid/bar"}))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.BumpReconfMarker())
	// net/eth0/up is now FLUX, pid/foo is now FLUX; no OFF term present.
	assert.Equal(t, Flux, s.GetAgg([]string{"net/eth0/up", "pid/foo"}))
}

func TestDeassertIsSilent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("net/eth0/up"))
	require.NoError(t, s.Set("net/eth0/running"))
	require.NoError(t, s.Set("net/route/default"))

	require.NoError(t, s.Deassert("net/"))
	assert.Equal(t, Off, s.Get("net/eth0/up"))
	assert.Equal(t, Off, s.Get("net/eth0/running"))
	assert.Equal(t, Off, s.Get("net/route/default"))
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("a"))
	require.NoError(t, s.Set("b"))
	assert.ElementsMatch(t, []string{"a", "b"}, s.List())
}
