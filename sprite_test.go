package vibemesh

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSprite(t *testing.T, opts ...Option) *Sprite {
	t.Helper()
	sp, err := CreateSprite("alice:main", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { sp.Shutdown() })
	return sp
}

func attachTestVibe(t *testing.T, sp *Sprite, peerID string) (*Vibe, *frameRecorder) {
	t.Helper()
	local, remote := newPipe()
	rec := &frameRecorder{}
	rec.bind(remote)
	vb, err := sp.AttachVibe(peerID, local)
	require.NoError(t, err)
	return vb, rec
}

func TestCreateSprite_RejectsInvalidOptions(t *testing.T) {
	_, err := CreateSprite("alice:main", WithConnectivity(0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = CreateSprite("alice:main", WithBeat(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestSprite_ConvergenceMutesTheLowestValued(t *testing.T) {
	sp := testSprite(t, WithConnectivity(2))

	a, _ := attachTestVibe(t, sp, "bob:main")
	b, _ := attachTestVibe(t, sp, "carol:main")
	c, _ := attachTestVibe(t, sp, "dave:main")
	a.setValue(5)
	b.setValue(3)
	c.setValue(1)

	sp.Convergence(time.Now())

	require.False(t, a.Muted())
	require.False(t, b.Muted())
	require.True(t, c.Muted(), "the excess lowest-valued vibe must be muted")
}

func TestSprite_ConvergenceKeepsExactlyConnectivityVibes(t *testing.T) {
	const k, n = 3, 7
	sp := testSprite(t, WithConnectivity(k))

	vibes := make([]*Vibe, n)
	for i := range vibes {
		vb, _ := attachTestVibe(t, sp, ID("peer", string(rune('a'+i))))
		vb.setValue(float64(i))
		vibes[i] = vb
	}

	sp.Convergence(time.Now())

	muted := 0
	for i, vb := range vibes {
		if vb.Muted() {
			muted++
			require.Less(t, i, n-k, "only the lowest-valued vibes may be muted")
		}
	}
	require.Equal(t, n-k, muted)
}

func TestSprite_ConvergenceClosesInactiveVibes(t *testing.T) {
	sp := testSprite(t)
	attachTestVibe(t, sp, "bob:main")
	require.Equal(t, 1, sp.VibeCount())

	// One full beat in the future, the untouched vibe is stale.
	sp.Convergence(time.Now().Add(sp.Beat() + time.Second))

	require.Eventually(t, func() bool {
		return sp.VibeCount() == 0
	}, time.Second, 5*time.Millisecond,
		"the close event must remove the vibe from the collection")
}

func TestSprite_SendRoundRobinVisitsEveryVibeOnce(t *testing.T) {
	sp := testSprite(t)
	recs := map[string]*frameRecorder{}
	for _, peer := range []string{"bob:main", "carol:main", "dave:main"} {
		_, rec := attachTestVibe(t, sp, peer)
		recs[peer] = rec
	}

	for range recs {
		require.NoError(t, sp.Send([]byte(`{"app":"msg"}`), nil, errors.New("rejected")))
	}

	for peer, rec := range recs {
		require.Eventually(t, func() bool {
			rec.lk.Lock()
			defer rec.lk.Unlock()
			return len(rec.frames) == 1
		}, time.Second, 5*time.Millisecond,
			"peer %s must be selected exactly once per full rotation", peer)
	}
}

func TestSprite_SendRejectsMutedSelection(t *testing.T) {
	sp := testSprite(t)
	vb, _ := attachTestVibe(t, sp, "bob:main")
	vb.Mute()

	rejected := errors.New("rejected")
	require.ErrorIs(t, sp.Send([]byte("x"), nil, rejected), rejected)
}

func TestSprite_SendPredicate(t *testing.T) {
	sp := testSprite(t)
	attachTestVibe(t, sp, "bob:main")

	rejected := errors.New("rejected")
	require.ErrorIs(t, sp.Send([]byte("x"), func(*Vibe) bool { return false }, rejected), rejected)
	require.NoError(t, sp.Send([]byte("x"), func(*Vibe) bool { return true }, rejected))
}

func TestSprite_SendWithoutVibes(t *testing.T) {
	sp := testSprite(t)
	require.ErrorIs(t, sp.Send([]byte("x"), nil, errors.New("rejected")), ErrNoVibes)
}

func TestSprite_AttachSupersedesExistingVibe(t *testing.T) {
	sp := testSprite(t)
	first, _ := attachTestVibe(t, sp, "bob:main")
	second, _ := attachTestVibe(t, sp, "bob:main")

	require.Equal(t, 1, sp.VibeCount(), "one vibe per peer id")
	current, has := sp.Vibe("bob:main")
	require.True(t, has)
	require.Same(t, second, current)
	require.NotSame(t, first, current)

	// The superseded close event must not evict the replacement.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, sp.VibeCount())
}

func TestSprite_IsConnectedTo(t *testing.T) {
	sp := testSprite(t)
	attachTestVibe(t, sp, "bob:main")

	require.True(t, sp.IsConnectedTo("bob:main"))
	require.True(t, sp.IsConnectedTo("bob"), "a name-less target matches any sprite of that user")
	require.False(t, sp.IsConnectedTo("bob:other"))
	require.False(t, sp.IsConnectedTo("carol:main"))
}

func TestSprite_Adjacency(t *testing.T) {
	sp := testSprite(t)
	attachTestVibe(t, sp, "bob:main")
	attachTestVibe(t, sp, "carol:main")

	adj := sp.Adjacency()
	require.Equal(t, map[string][]string{
		"alice:main": {"bob:main", "carol:main"},
	}, adj)
}

func TestSprite_AuraRegistry(t *testing.T) {
	sp := testSprite(t)
	push, err := NewPushAura(sp, StaticTokenVerifier{Token: "t", Subject: "bob:main"}, nil)
	require.NoError(t, err)

	require.NoError(t, sp.RegisterAura("push", push))
	require.ErrorIs(t, sp.RegisterAura("push", push), ErrDuplicateAura)

	got, err := sp.Aura("push")
	require.NoError(t, err)
	require.Same(t, Aura(push), got)

	_, err = sp.Aura("missing")
	require.ErrorIs(t, err, ErrUnknownAura)
}
