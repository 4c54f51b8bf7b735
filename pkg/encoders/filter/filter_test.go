package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"nostrswarm.dev/pkg/encoders/event"
	"nostrswarm.dev/pkg/encoders/tag"
	"nostrswarm.dev/pkg/encoders/timestamp"
)

func TestMatches_AllAttributes(t *testing.T) {
	e := &event.E{
		Id:        "id1",
		Pubkey:    "author1",
		Kind:      1,
		CreatedAt: timestamp.FromUnix(1000),
		Tags:      tag.Tags{tag.New("e", "xyz")},
	}

	f := &F{Authors: []string{"author1"}, Kinds: []uint16{1}}
	require.True(t, f.Matches(e))

	f2 := &F{Authors: []string{"other"}}
	require.False(t, f2.Matches(e))

	f3 := &F{Kinds: []uint16{2}}
	require.False(t, f3.Matches(e))

	since := timestamp.FromUnix(2000)
	f4 := &F{Since: &since}
	require.False(t, f4.Matches(e))

	f5 := &F{Tags: map[string][]string{"e": {"xyz"}}}
	require.True(t, f5.Matches(e))

	f6 := &F{Tags: map[string][]string{"e": {"other"}}}
	require.False(t, f6.Matches(e))
}

func TestMatches_LimitIsHintOnly(t *testing.T) {
	e := &event.E{Kind: 1, CreatedAt: timestamp.FromUnix(1)}
	f := &F{Kinds: []uint16{1}, Limit: 1}
	require.True(t, f.Matches(e))
}

// filter merge: authors union across members sharing a fingerprint.
func TestMerge_UnionsAuthors(t *testing.T) {
	a := List{{Authors: []string{"a1"}, Kinds: []uint16{1}}}
	b := List{{Authors: []string{"a2"}, Kinds: []uint16{1}}}
	merged := Merge([]List{a, b})
	require.Len(t, merged, 1)
	require.ElementsMatch(t, []string{"a1", "a2"}, merged[0].Authors)
	require.Equal(t, []uint16{1}, merged[0].Kinds)
}

func TestComputeFingerprint_LimitedNeverMerges(t *testing.T) {
	a := List{{Kinds: []uint16{1}}}
	b := List{{Kinds: []uint16{1}, Limit: 10}}
	fpA := ComputeFingerprint(a, false, "subA")
	fpB := ComputeFingerprint(b, false, "subC")
	require.NotEqual(t, fpA, fpB)

	// two different limited subs never share a fingerprint even with
	// identical filters, since each carries its own discriminator.
	fpB2 := ComputeFingerprint(b, false, "subD")
	require.NotEqual(t, fpB, fpB2)
}

func TestComputeFingerprint_CloseOnEoseIsABoundary(t *testing.T) {
	a := List{{Kinds: []uint16{1}}}
	require.NotEqual(
		t, ComputeFingerprint(a, true, ""), ComputeFingerprint(a, false, ""),
	)
}

// time-window merge: since takes the max, until takes the min.
func TestMerge_SinceMaxUntilMin(t *testing.T) {
	s1, u1 := timestamp.FromUnix(1000), timestamp.FromUnix(5000)
	s2, u2 := timestamp.FromUnix(2000), timestamp.FromUnix(4000)
	a := List{{Kinds: []uint16{1}, Since: &s1, Until: &u1}}
	b := List{{Kinds: []uint16{1}, Since: &s2, Until: &u2}}
	merged := Merge([]List{a, b})
	require.Len(t, merged, 1)
	require.Equal(t, int64(2000), merged[0].Since.I64())
	require.Equal(t, int64(4000), merged[0].Until.I64())
}

func TestMerge_UnboundedMemberWidensToUnbounded(t *testing.T) {
	s1 := timestamp.FromUnix(2000)
	a := List{{Kinds: []uint16{1}, Since: &s1}}
	b := List{{Kinds: []uint16{1}}} // no Since at all
	merged := Merge([]List{a, b})
	require.Nil(t, merged[0].Since)
}

// matches is monotone under intersection: narrowing a filter never
// turns a non-match into a match.
func TestMatches_MonotoneUnderNarrowing(t *testing.T) {
	e := &event.E{Pubkey: "a1", Kind: 1, CreatedAt: timestamp.FromUnix(3000)}
	wide := &F{Authors: []string{"a1", "a2"}, Kinds: []uint16{1}}
	narrow := &F{Authors: []string{"a1"}, Kinds: []uint16{1}}
	require.True(t, narrow.Matches(e))
	require.True(t, wide.Matches(e))
}
