package peerscore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureOriginIsOnceOnly(t *testing.T) {
	tr := New()
	require.True(t, tr.EnsureOrigin(Origin{ClientID: "a"}))
	require.False(t, tr.EnsureOrigin(Origin{ClientID: "a"}))
	require.Equal(t, 1, tr.Count())
}

func TestNeedsRefreshBelowThreshold(t *testing.T) {
	tr := New()
	require.True(t, tr.NeedsRefresh())
	for i := 0; i < MinOriginsForUpdate; i++ {
		tr.EnsureOrigin(Origin{ClientID: string(rune('a' + i))})
	}
	require.False(t, tr.NeedsRefresh())
}

func TestSelectFallsBackToUnscoredByWeightedRTT(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "slow"})
	tr.EnsureOrigin(Origin{ClientID: "fast"})
	tr.RecordRTT("slow", 100, 100) // weighted = 50+100=150
	tr.RecordRTT("fast", 10, 10)   // weighted = 5+10=15

	o, err := tr.Select()
	require.NoError(t, err)
	require.Equal(t, "fast", o.ClientID)
}

func TestSelectPrefersScoredOverUnscored(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "scored"})
	tr.EnsureOrigin(Origin{ClientID: "unscored"})
	tr.RecordRTT("unscored", 1, 1)
	tr.RecordSuccess("scored", 0.5)

	o, err := tr.Select()
	require.NoError(t, err)
	require.Equal(t, "scored", o.ClientID)
}

func TestSelectOrdersScoredByMeanAscending(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "slow"})
	tr.EnsureOrigin(Origin{ClientID: "fast"})
	tr.RecordSuccess("slow", 2.0)
	tr.RecordSuccess("fast", 0.1)

	o, err := tr.Select()
	require.NoError(t, err)
	require.Equal(t, "fast", o.ClientID)
}

func TestSelectSkipsOriginsAtInFlightCap(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "only"})
	tr.RecordRTT("only", 1, 1)

	for i := 0; i < MaxOriginDownloaders; i++ {
		o, err := tr.Select()
		require.NoError(t, err)
		require.Equal(t, "only", o.ClientID)
	}

	_, err := tr.Select()
	require.ErrorIs(t, err, ErrNoOrigin)
}

func TestSelectReturnsErrNoOriginWhenEmpty(t *testing.T) {
	tr := New()
	_, err := tr.Select()
	require.ErrorIs(t, err, ErrNoOrigin)
}

func TestSelectIgnoresUnratedOrigins(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "no-rtt-yet"})
	_, err := tr.Select()
	require.ErrorIs(t, err, ErrNoOrigin)
}

func TestRecordFailureDropsOriginAfterMaxFails(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "flaky"})
	tr.RecordRTT("flaky", 1, 1)
	tr.Select()

	for i := 0; i < MaxOriginFails; i++ {
		tr.RecordFailure("flaky")
	}
	require.True(t, tr.Empty())
}

func TestRecordSuccessResetsConsecutiveFailures(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "flaky"})
	tr.RecordRTT("flaky", 1, 1)

	tr.Select()
	tr.RecordFailure("flaky")
	tr.Select()
	tr.RecordSuccess("flaky", 1.0)

	s, ok := tr.Stats("flaky")
	require.True(t, ok)
	require.Zero(t, s.consecutiveFailures)
}

func TestNewWithLimitsOverridesDefaults(t *testing.T) {
	tr := NewWithLimits(Limits{MaxOriginDownloaders: 1, MaxOriginFails: 1, MinOriginsForUpdate: 2})
	tr.EnsureOrigin(Origin{ClientID: "only"})
	tr.RecordRTT("only", 1, 1)

	_, err := tr.Select()
	require.NoError(t, err)
	_, err = tr.Select()
	require.ErrorIs(t, err, ErrNoOrigin, "per-origin cap of 1 should block a second fetch")

	tr.RecordFailure("only")
	require.True(t, tr.Empty(), "a single failure should drop the origin at MaxOriginFails=1")

	tr.EnsureOrigin(Origin{ClientID: "a"})
	require.True(t, tr.NeedsRefresh())
	tr.EnsureOrigin(Origin{ClientID: "b"})
	require.False(t, tr.NeedsRefresh())
}

func TestNewWithLimitsZeroFieldsKeepDefaults(t *testing.T) {
	tr := NewWithLimits(Limits{})
	for i := 0; i < MinOriginsForUpdate-1; i++ {
		tr.EnsureOrigin(Origin{ClientID: string(rune('a' + i))})
	}
	require.True(t, tr.NeedsRefresh())
}

func TestRemoveForgetsOrigin(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "probe-failed"})
	tr.Remove("probe-failed")
	require.True(t, tr.Empty())
	// A later refresh may re-introduce it.
	require.True(t, tr.EnsureOrigin(Origin{ClientID: "probe-failed"}))
}

func TestRecordSuccessComputesRunningMean(t *testing.T) {
	tr := New()
	tr.EnsureOrigin(Origin{ClientID: "a"})
	tr.RecordSuccess("a", 1.0)
	tr.RecordSuccess("a", 3.0)

	s, ok := tr.Stats("a")
	require.True(t, ok)
	require.InDelta(t, 2.0, s.MeanSeconds(), 0.0001)
}
