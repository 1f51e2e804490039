package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSequencerMonotonic asserts issuance starts at 1 and increments.
func TestSequencerMonotonic(t *testing.T) {
	t.Parallel()

	executed := uint64(0)
	s := NewSequencer(10, func() uint64 { return executed }, nil)

	for want := uint64(1); want <= 5; want++ {
		seq, err := s.Next()
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}
}

// TestSequencerWaterMark asserts admission fails exactly when
// next - maxPendingExecutedSeq > maxInFlight, and recovers as execution
// catches up.
func TestSequencerWaterMark(t *testing.T) {
	t.Parallel()

	executed := uint64(0)
	s := NewSequencer(2, func() uint64 { return executed }, nil)

	// next=1, executed=0: gap 1, admit seq 1.
	// next=2, executed=0: gap 2, admit seq 2.
	for want := uint64(1); want <= 2; want++ {
		seq, err := s.Next()
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}

	// next=3, executed=0: gap 3 > 2, refuse.
	_, err := s.Next()
	require.ErrorIs(t, err, ErrSeqExhausted)

	// One sequence executes: next=3, executed=1, gap 2, admit again.
	executed = 1
	seq, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}

// TestSequencerStableMark asserts the low water mark is monotone.
func TestSequencerStableMark(t *testing.T) {
	t.Parallel()

	s := NewSequencer(10, func() uint64 { return 1 }, nil)

	s.AdvanceStable(5)
	require.Equal(t, uint64(5), s.StableSeq())

	// Regressions are ignored.
	s.AdvanceStable(3)
	require.Equal(t, uint64(5), s.StableSeq())

	s.AdvanceStable(10)
	require.Equal(t, uint64(10), s.StableSeq())
}
