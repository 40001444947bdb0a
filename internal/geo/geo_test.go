package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHaversineZeroDistance(t *testing.T) {
	require.InDelta(t, 0, HaversineMeters(37.7749, -122.4194, 37.7749, -122.4194), 1e-6)
}

func TestHaversineKnownDistance(t *testing.T) {
	// San Francisco to Los Angeles, roughly 559 km.
	d := HaversineMeters(37.7749, -122.4194, 34.0522, -118.2437)
	require.InDelta(t, 559000, d, 15000)
}

func TestOriginENUAtOriginIsZero(t *testing.T) {
	o := NewOrigin(37.7749, -122.4194)
	e, n := o.ENU(37.7749, -122.4194)
	require.InDelta(t, 0, e, 1e-6)
	require.InDelta(t, 0, n, 1e-6)
}

func TestOriginENUMatchesHaversineForSmallOffsets(t *testing.T) {
	o := NewOrigin(37.7749, -122.4194)
	e, n := o.ENU(37.7760, -122.4180)
	dist := math.Hypot(e, n)
	hav := HaversineMeters(37.7749, -122.4194, 37.7760, -122.4180)
	require.InDelta(t, hav, dist, 5)
}
