package vibemesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func nodeBackend(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastAuth atomic.Value
	lastAuth.Store("")
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tok-abc\n"))
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		lastAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"long": 2.35, "lat": 48.85, "user": {"plan": "free"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &lastAuth
}

func testNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	nd, err := CreateNode(testSprite(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { nd.Close() })
	return nd
}

func TestCreateNode_RequiresBothEndpoints(t *testing.T) {
	sp := testSprite(t)

	_, err := CreateNode(sp,
		WithProfileEndpoint("http://localhost/profile", time.Minute))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = CreateNode(sp,
		WithTokenEndpoint("http://localhost/token", time.Minute))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestNode_RefreshFetchesTokenThenProfile(t *testing.T) {
	server, lastAuth := nodeBackend(t)
	nd := testNode(t,
		WithTokenEndpoint(server.URL+"/token", time.Hour),
		WithProfileEndpoint(server.URL+"/profile", time.Hour),
		WithHTTPClient(server.Client()))

	require.Empty(t, nd.Token())
	require.Nil(t, nd.Profile())

	require.NoError(t, nd.Refresh(context.Background()))
	require.Equal(t, "tok-abc", nd.Token(), "the token body is trimmed")
	require.Equal(t, 48.85, nd.Profile()["lat"])
	require.Equal(t, "Bearer tok-abc", lastAuth.Load(),
		"the fresh token authenticates the profile fetch")
}

func TestNode_RefreshRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("tok-late"))
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	nd := testNode(t,
		WithTokenEndpoint(server.URL+"/token", time.Hour),
		WithProfileEndpoint(server.URL+"/profile", time.Hour),
		WithHTTPClient(server.Client()),
		WithRetries(3, time.Millisecond, time.Second))

	require.NoError(t, nd.Refresh(context.Background()))
	require.Equal(t, "tok-late", nd.Token())
	require.EqualValues(t, 3, calls.Load())
}

func TestNode_RefreshRejectsBadBodies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("   \n"))
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	nd := testNode(t,
		WithTokenEndpoint(server.URL+"/token", time.Hour),
		WithProfileEndpoint(server.URL+"/profile", time.Hour),
		WithHTTPClient(server.Client()),
		WithRetries(1, time.Millisecond, time.Second))

	require.ErrorIs(t, nd.Refresh(context.Background()), ErrMissingToken,
		"a blank token body is no token")

	err := nd.refreshProfile(context.Background())
	require.ErrorIs(t, err, ErrProtocol)
	require.Nil(t, nd.Profile(), "a bad body must not clobber the stored profile")
}

func TestNode_BeatsKeepBothFresh(t *testing.T) {
	server, _ := nodeBackend(t)
	nd := testNode(t,
		WithTokenEndpoint(server.URL+"/token", 5*time.Millisecond),
		WithProfileEndpoint(server.URL+"/profile", 5*time.Millisecond),
		WithHTTPClient(server.Client()))

	require.Eventually(t, func() bool {
		return nd.Token() == "tok-abc" && nd.Profile() != nil
	}, time.Second, time.Millisecond, "both schedules refresh without an explicit Refresh call")
}
