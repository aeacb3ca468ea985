package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// These exercise the pure decision logic (backoff, leader selection, set
// comparison) that doesn't require a live coordination service; Join/Watch
// need a real etcd cluster and have no tests in this package.

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	d := defaultBackoffStart
	d = nextBackoff(d, defaultBackoffCap)
	assert.Equal(t, 4*time.Second, d)
	d = nextBackoff(d, defaultBackoffCap)
	assert.Equal(t, 8*time.Second, d)

	big := 40 * time.Second
	assert.Equal(t, defaultBackoffCap, nextBackoff(big, defaultBackoffCap))
}

func TestLeaderIsSmallestSequence(t *testing.T) {
	set := map[Membership]struct{}{
		{Key: "/g/c", Sequence: 30}: {},
		{Key: "/g/a", Sequence: 10}: {},
		{Key: "/g/b", Sequence: 20}: {},
	}
	leader, ok := Leader(set)
	assert.True(t, ok)
	assert.Equal(t, "/g/a", leader.Key)
}

func TestLeaderEmptySet(t *testing.T) {
	_, ok := Leader(map[Membership]struct{}{})
	assert.False(t, ok)
}

func TestSameSetDetectsMembershipChurn(t *testing.T) {
	a := map[Membership]struct{}{{Key: "/g/a", Sequence: 1}: {}}
	b := map[Membership]struct{}{{Key: "/g/a", Sequence: 1}: {}}
	assert.True(t, sameSet(a, b))

	c := map[Membership]struct{}{{Key: "/g/b", Sequence: 2}: {}}
	assert.False(t, sameSet(a, c))

	d := map[Membership]struct{}{}
	assert.False(t, sameSet(a, d))
}
