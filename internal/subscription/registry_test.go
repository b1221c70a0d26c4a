package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
)

func TestKeyOf_Normalizes(t *testing.T) {
	a, err := KeyOf("180F", "2A19")
	require.NoError(t, err)
	b, err := KeyOf("0000180f-0000-1000-8000-00805F9B34FB", "0x2a19")
	require.NoError(t, err)

	assert.Equal(t, a, b, "every UUID form MUST map to the same key")
	assert.Equal(t, "180f/2a19", a.String())

	_, err = KeyOf("xyz", "2A19")
	assert.True(t, device.IsKind(err, device.KindInvalidArguments))
}

func TestRegistry_AcquireRelease(t *testing.T) {
	r := NewRegistry()
	k, _ := KeyOf("180F", "2A19")

	assert.True(t, r.Acquire(k, native.Indicate), "first acquire MUST report 0→1")
	assert.False(t, r.Acquire(k, native.Notify))
	assert.Equal(t, 2, r.Count(k))

	last, mode, err := r.Release(k)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, native.Indicate, mode, "MUST keep the mode of the first subscriber")

	last, _, err = r.Release(k)
	require.NoError(t, err)
	assert.True(t, last, "final release MUST report 1→0")
	assert.Zero(t, r.Count(k))

	_, _, err = r.Release(k)
	assert.True(t, device.IsKind(err, device.KindInvalidState))
}

func TestRegistry_KeysKeepOrderAndReset(t *testing.T) {
	r := NewRegistry()
	k1, _ := KeyOf("180F", "2A19")
	k2, _ := KeyOf("180D", "2A37")
	k3, _ := KeyOf("1809", "2A1C")

	r.Acquire(k2, native.Notify)
	r.Acquire(k1, native.Notify)
	r.Acquire(k3, native.Indicate)
	_, _, err := r.Release(k1)
	require.NoError(t, err)

	assert.Equal(t, []Key{k2, k3}, r.Keys())
	assert.Equal(t, []Key{k2, k3}, r.Reset())
	assert.Empty(t, r.Keys())
}
