package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-airplay/airplay2/pkg/airmetrics"
	"github.com/go-airplay/airplay2/pkg/alac"
	"github.com/go-airplay/airplay2/pkg/device"
	"github.com/go-airplay/airplay2/pkg/pairing"
)

// fakeCallback counts OutputsCB deliveries per callback id, so tests
// can assert invariant 5 (at most one delivery per id) directly.
type fakeCallback struct {
	delivered map[int64]int
	lastPub   map[int64]Public
}

func newFakeCallback() *fakeCallback {
	return &fakeCallback{delivered: map[int64]int{}, lastPub: map[int64]Public{}}
}

func (f *fakeCallback) OutputsCB(callbackID int64, deviceID device.ID, state Public) {
	f.delivered[callbackID]++
	f.lastPub[callbackID] = state
}
func (f *fakeCallback) OutputsDeviceSessionAdd(device.ID)          {}
func (f *fakeCallback) OutputsDeviceSessionRemove(device.ID)       {}
func (f *fakeCallback) OutputsQualitySubscribe(device.Quality)     {}
func (f *fakeCallback) OutputsQualityUnsubscribe(device.Quality)   {}
func (f *fakeCallback) OutputsDeviceGet(device.ID) (*device.Device, bool) {
	return nil, false
}

// fakeStore records every persisted-field write the Engine makes, so
// tests can assert invariant 7 (and the pairing/auth-key writes) without
// a real config backend.
type fakeStore struct {
	v6Disabled   map[device.ID]bool
	authKeys     map[device.ID][]byte
	requiresAuth map[device.ID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		v6Disabled:   map[device.ID]bool{},
		authKeys:     map[device.ID][]byte{},
		requiresAuth: map[device.ID]bool{},
	}
}

func (s *fakeStore) SetAuthKey(id device.ID, key []byte) error {
	s.authKeys[id] = key
	return nil
}
func (s *fakeStore) ClearAuthKey(id device.ID) error {
	delete(s.authKeys, id)
	return nil
}
func (s *fakeStore) SetRequiresAuth(id device.ID, v bool) error {
	s.requiresAuth[id] = v
	return nil
}
func (s *fakeStore) SetV6Disabled(id device.ID, v bool) error {
	s.v6Disabled[id] = v
	return nil
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(pcm []byte) ([]byte, error) { return pcm, nil }
func (fakeEncoder) Close() error                      { return nil }

func fakeEncoderFactory(device.Quality, int) (alac.Encoder, error) {
	return fakeEncoder{}, nil
}

func newTestEngine(t *testing.T, cb PlayerCallback, store device.Store) *Engine {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	e, err := NewEngine(Config{
		Store:    store,
		Callback: cb,
		Identity: pairing.Identity{PublicKey: pub, PrivateKey: priv},
		Encoders: fakeEncoderFactory,
		Metrics:  airmetrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return e
}

func TestReportOnceDeliversExactlyOnce(t *testing.T) {
	cb := newFakeCallback()
	sess := newDeviceSession(device.ID(1), nil, device.Quality{}, "", 42, nil)

	sess.reportOnce(cb, PublicConnected)
	sess.reportOnce(cb, PublicFailed) // second call, same callback id

	assert.Equal(t, 1, cb.delivered[42])
	assert.Equal(t, PublicConnected, cb.lastPub[42])
}

func TestReportOnceIsANoOpWithoutACallback(t *testing.T) {
	sess := newDeviceSession(device.ID(1), nil, device.Quality{}, "", 7, nil)
	assert.NotPanics(t, func() {
		sess.reportOnce(nil, PublicConnected)
	})
}

func TestV6DisabledIsPermanentOnceSet(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, newFakeCallback(), store)

	id := device.ID(99)
	assert.False(t, e.isV6Disabled(id))

	e.setV6DisabledPermanently(id)

	assert.True(t, e.isV6Disabled(id))
	assert.True(t, store.v6Disabled[id])
}

func TestV6DisabledSurvivesRepeatedQueries(t *testing.T) {
	e := newTestEngine(t, newFakeCallback(), nil)
	id := device.ID(5)
	e.setV6DisabledPermanently(id)

	for i := 0; i < 3; i++ {
		assert.True(t, e.isV6Disabled(id))
	}
}

func TestCleanupDoesNotDecrementGaugeForAnUncountedSession(t *testing.T) {
	e := newTestEngine(t, newFakeCallback(), nil)
	sess := newDeviceSession(device.ID(1), nil, device.Quality{}, "", 1, nil)

	e.mu.Lock()
	e.sessions[sess.deviceID] = sess
	e.mu.Unlock()

	// sess never reached countedActive (e.g. dial failed before
	// CONNECTED) — cleanup must not touch the gauge.
	e.cleanup(sess)
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.SessionsActive))
}

func TestCleanupDecrementsGaugeOnceForACountedSession(t *testing.T) {
	e := newTestEngine(t, newFakeCallback(), nil)
	sess := newDeviceSession(device.ID(2), nil, device.Quality{}, "", 1, nil)
	sess.countedActive = true
	e.metrics.SessionsActive.Inc()

	e.mu.Lock()
	e.sessions[sess.deviceID] = sess
	e.mu.Unlock()

	e.cleanup(sess)
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.SessionsActive))

	// A second cleanup call (idempotent Stop) must not underflow it.
	e.cleanup(sess)
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.SessionsActive))
}

func TestCleanupDoesNotReleaseASharedMasterForASessionThatNeverAttached(t *testing.T) {
	e := newTestEngine(t, newFakeCallback(), nil)
	quality := device.Quality{SampleRate: 44100, BitsPerSample: 16, Channels: 2}

	// A real, still-active session holding the quality's master.
	master, err := e.masterFor(quality)
	require.NoError(t, err)
	require.NotNil(t, master)

	// A second session that failed before ever calling attachStream.
	failed := newDeviceSession(device.ID(3), nil, quality, "", 1, nil)
	e.mu.Lock()
	e.sessions[failed.deviceID] = failed
	e.mu.Unlock()

	e.cleanup(failed)

	e.mu.Lock()
	_, stillHeld := e.masters[quality]
	e.mu.Unlock()
	assert.True(t, stillHeld, "an unrelated session's cleanup must not release a shared master")

	e.releaseMaster(quality)
}
