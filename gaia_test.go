package vibemesh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func testGaia(t *testing.T, opts ...Option) *Gaia {
	t.Helper()
	g, err := NewGaia(opts...)
	require.NoError(t, err)
	return g
}

func TestHaversine(t *testing.T) {
	require.Zero(t, Haversine(48.85, 2.35, 48.85, 2.35), "a point is at distance zero from itself")

	// One degree of latitude is roughly 111.2 km.
	oneDegree := Haversine(0, 0, 1, 0)
	require.InDelta(t, 111195, oneDegree, 100)

	require.True(t, math.IsNaN(Haversine(math.NaN(), 0, 1, 0)), "NaN coordinates propagate")
}

func TestGaia_MergeIsAdditiveAndPreservesIdentity(t *testing.T) {
	g := testGaia(t)

	alice := Payload{"long": 0.0, "lat": 0.0}
	g.Merge(Img{Sprites: map[string]Payload{"alice:main": alice}})
	g.Merge(Img{Sprites: map[string]Payload{"bob:main": {"long": 1.0}}})

	img := g.Snapshot(NoSnapshotScope())
	require.Len(t, img.Sprites, 2, "merges accumulate, they never replace the map")

	// A consumer holding the payload reference observes later in-place
	// updates for keys the merge did not touch.
	alice["url"] = "ws://a"
	require.Equal(t, "ws://a", payloadString(img.Sprites["alice:main"], "url"))
}

func TestGaia_SnapshotGeoFilter(t *testing.T) {
	g := testGaia(t)
	g.Merge(Img{
		Users: map[string]Payload{"alice": {}, "bob": {}},
		Sprites: map[string]Payload{
			"alice:main": {"long": 0.0, "lat": 0.0, "url": "ws://a"},
			"bob:main":   {"long": 0.0, "lat": 1.0, "url": "ws://b"},
		},
	})

	t.Run("a 150km radius includes a peer one degree of latitude away", func(t *testing.T) {
		img := g.Snapshot(SnapshotQuery{Long: 0, Lat: 0, Radius: 150000})
		require.Contains(t, img.Sprites, "alice:main")
		require.Contains(t, img.Sprites, "bob:main")
	})

	t.Run("a 50km radius excludes it", func(t *testing.T) {
		img := g.Snapshot(SnapshotQuery{Long: 0, Lat: 0, Radius: 50000})
		require.Contains(t, img.Sprites, "alice:main")
		require.NotContains(t, img.Sprites, "bob:main")
	})

	t.Run("the boundary is exclusive", func(t *testing.T) {
		exact := Haversine(0, 0, 1, 0)
		img := g.Snapshot(SnapshotQuery{Long: 0, Lat: 0, Radius: exact})
		require.NotContains(t, img.Sprites, "bob:main", "a peer at exactly radius meters is out")

		img = g.Snapshot(SnapshotQuery{Long: 0, Lat: 0, Radius: exact + 1})
		require.Contains(t, img.Sprites, "bob:main")
	})

	t.Run("partial geo input disables filtering entirely", func(t *testing.T) {
		img := g.Snapshot(SnapshotQuery{Long: 0, Lat: math.NaN(), Radius: 50000})
		require.Len(t, img.Sprites, 2)

		img = g.Snapshot(SnapshotQuery{Long: 0, Lat: 0, Radius: math.Inf(1)})
		require.Len(t, img.Sprites, 2)
	})

	t.Run("a sprite without coordinates never passes a geo filter", func(t *testing.T) {
		g.Merge(Img{Sprites: map[string]Payload{"carol:main": {"url": "ws://c"}}})
		img := g.Snapshot(SnapshotQuery{Long: 0, Lat: 0, Radius: 150000})
		require.NotContains(t, img.Sprites, "carol:main")
	})
}

func TestGaia_SnapshotRequireURL(t *testing.T) {
	g := testGaia(t)
	g.Merge(Img{Sprites: map[string]Payload{
		"alice:main": {"url": "ws://a"},
		"bob:main":   {},
	}})

	img := g.Snapshot(SnapshotQuery{Long: math.NaN(), Lat: math.NaN(), Radius: math.NaN(), RequireURL: true})
	require.Contains(t, img.Sprites, "alice:main")
	require.NotContains(t, img.Sprites, "bob:main")
}

func TestGaia_SnapshotTargets(t *testing.T) {
	g := testGaia(t)
	g.Merge(Img{
		Sprites: map[string]Payload{
			"alice:main": {},
			"bob:main":   {},
			"carol:main": {},
		},
		Vibes: map[string][]string{
			"alice:main": {"dave:main"},
			"bob:main":   {"erin:play"},
			"carol:main": {"frank:main"},
		},
	})

	t.Run("peer id targets match whole ids", func(t *testing.T) {
		q := NoSnapshotScope()
		q.Targets = []string{"dave:main"}
		img := g.Snapshot(q)
		require.Contains(t, img.Sprites, "alice:main")
		require.NotContains(t, img.Sprites, "bob:main")
	})

	t.Run("user targets match any sprite of the user", func(t *testing.T) {
		q := NoSnapshotScope()
		q.Targets = []string{"erin"}
		img := g.Snapshot(q)
		require.Contains(t, img.Sprites, "bob:main")
		require.NotContains(t, img.Sprites, "alice:main")
		require.NotContains(t, img.Sprites, "carol:main")
	})
}

func TestGaia_SnapshotAdjacencyAndUsers(t *testing.T) {
	g := testGaia(t)
	g.Merge(Img{
		Users: map[string]Payload{
			"alice": {"plan": "pro"},
			"dave":  {},
		},
		Sprites: map[string]Payload{"alice:main": {}},
		Vibes: map[string][]string{
			"alice:main": {"dave:main", "ghost:main"},
			"bob:main":   {"alice:main"},
		},
	})

	img := g.Snapshot(NoSnapshotScope())

	require.Contains(t, img.Vibes, "alice:main",
		"adjacency sources are restricted to returned sprites")
	require.NotContains(t, img.Vibes, "bob:main", "bob is not a known sprite")
	require.Equal(t, []string{"dave:main", "ghost:main"}, img.Vibes["alice:main"],
		"targets are never filtered")

	require.Contains(t, img.Users, "alice", "owners of returned sprites are included")
	require.Contains(t, img.Users, "dave", "owners of adjacency targets are included")
	require.NotContains(t, img.Users, "ghost", "unknown owners are silently dropped")
}

func TestSample(t *testing.T) {
	entries := []string{"a", "b", "c", "d"}

	t.Run("a large enough limit keeps the input as-is", func(t *testing.T) {
		require.Equal(t, entries, sample(entries, 4))
		require.Equal(t, entries, sample(entries, 10))
		require.Equal(t, entries, sample(entries, 0), "zero means unlimited")
	})

	t.Run("a smaller limit draws exactly n with replacement", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			drawn := sample(entries, 2)
			require.Len(t, drawn, 2)
			for _, entry := range drawn {
				require.Contains(t, entries, entry)
			}
		}
	})
}

func TestGaia_SnapshotSamplingCollapsesById(t *testing.T) {
	g := testGaia(t)
	g.Merge(Img{Sprites: map[string]Payload{
		"a:1": {}, "b:1": {}, "c:1": {}, "d:1": {}, "e:1": {},
	}})

	q := NoSnapshotScope()
	q.Sample = 3
	img := g.Snapshot(q)
	require.NotEmpty(t, img.Sprites)
	require.LessOrEqual(t, len(img.Sprites), 3,
		"with-replacement draws collapse to at most sample ids")
}
