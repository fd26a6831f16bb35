package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/signaling"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: time.Second,
			InstanceID:      "test",
		},
		Room: config.RoomConfig{Capacity: 2, MaxRooms: 10, MaxNameLength: 32},
		Signaling: config.SignalingConfig{
			ReadLimit:       1 << 16,
			WriteTimeout:    time.Second,
			PongTimeout:     30 * time.Second,
			PingInterval:    10 * time.Second,
			HubPingInterval: time.Hour,
			SendBuffer:      64,
			RateLimitPerSec: 1000,
			RateLimitBurst:  1000,
		},
		WebRTC:  config.WebRTCConfig{ICEServers: config.DefaultICEServers},
		Metrics: config.MetricsConfig{Enabled: false},
		Client:  config.DefaultClientConfig(),
	}
}

type testPeer struct {
	t    *testing.T
	id   domain.PeerID
	conn *signaling.Conn
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, ts
}

func connect(t *testing.T, ts *httptest.Server) *testPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := signaling.Dial(context.Background(), url, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &testPeer{t: t, conn: conn}
	welcome := p.expect(signaling.MessageTypeWelcome)
	payload, err := signaling.Decode[signaling.WelcomePayload](welcome)
	require.NoError(t, err)
	require.False(t, payload.PeerID.IsZero())
	p.id = payload.PeerID
	return p
}

func (p *testPeer) send(t signaling.MessageType, payload any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SendPayload(t, payload))
}

func (p *testPeer) expect(t signaling.MessageType) signaling.Message {
	p.t.Helper()
	select {
	case msg, ok := <-p.conn.Incoming():
		require.True(p.t, ok, "connection closed while waiting for %s", t)
		require.Equal(p.t, t, msg.Type)
		return msg
	case <-time.After(2 * time.Second):
		p.t.Fatalf("timed out waiting for %s", t)
		return signaling.Message{}
	}
}

func (p *testPeer) expectNone() {
	p.t.Helper()
	select {
	case msg := <-p.conn.Incoming():
		p.t.Fatalf("unexpected %s", msg.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func decode[T any](t *testing.T, msg signaling.Message) T {
	t.Helper()
	v, err := signaling.Decode[T](msg)
	require.NoError(t, err)
	return v
}

func (p *testPeer) join(room string) []domain.PeerID {
	p.t.Helper()
	p.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: room})
	return decode[signaling.AllUsersPayload](p.t, p.expect(signaling.MessageTypeAllUsers)).Peers
}

func TestWelcomeCarriesConnectivityConfig(t *testing.T) {
	_, ts := startServer(t, testConfig())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := signaling.Dial(context.Background(), url, zap.NewNop())
	require.NoError(t, err)
	defer conn.Close()

	p := &testPeer{t: t, conn: conn}
	welcome := decode[signaling.WelcomePayload](t, p.expect(signaling.MessageTypeWelcome))
	assert.Equal(t, config.DefaultICEServers, welcome.ICEServers)
	assert.Equal(t, 2, welcome.RoomCapacity)
}

func TestJoinAlphaScenario(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	assert.Empty(t, a.join("Alpha"))

	b := connect(t, ts)
	assert.Equal(t, []domain.PeerID{a.id}, b.join("Alpha"))

	joined := decode[signaling.UserJoinedPayload](t, a.expect(signaling.MessageTypeUserJoin))
	assert.Equal(t, b.id, joined.PeerID)

	c := connect(t, ts)
	c.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: "Alpha"})
	full := decode[signaling.RoomFullPayload](t, c.expect(signaling.MessageTypeRoomFull))
	assert.Equal(t, 2, full.Capacity)

	a.expectNone()
	b.expectNone()
}

func TestJoinTwiceIsIdempotent(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	assert.Equal(t, []domain.PeerID{a.id}, b.join("Alpha"))
	a.expectNone()
}

func TestRelayStampsSenderAndDropsUnknownTarget(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	a.send(signaling.MessageTypeOffer, signaling.SignalPayload{Target: b.id, Sender: "forged", SDP: sdp})

	offer := decode[signaling.SignalPayload](t, b.expect(signaling.MessageTypeOffer))
	assert.Equal(t, a.id, offer.Sender)
	assert.True(t, offer.Target.IsZero())
	assert.JSONEq(t, string(sdp), string(offer.SDP))

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`)
	b.send(signaling.MessageTypeICECandidate, signaling.SignalPayload{Target: a.id, Candidate: cand})
	got := decode[signaling.SignalPayload](t, a.expect(signaling.MessageTypeICECandidate))
	assert.Equal(t, b.id, got.Sender)

	a.send(signaling.MessageTypeAnswer, signaling.SignalPayload{Target: "nobody", SDP: sdp})
	a.expectNone()
	b.expectNone()

	a.send(signaling.MessageTypeOffer, signaling.SignalPayload{SDP: sdp})
	assert.Equal(t, 400, decode[signaling.ErrorPayload](t, a.expect(signaling.MessageTypeError)).Code)
}

func TestReconnectRequestBecomesReconnectWith(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	a.send(signaling.MessageTypeReconnectRequest, signaling.ReconnectPayload{Target: b.id})
	got := decode[signaling.ReconnectPayload](t, b.expect(signaling.MessageTypeReconnectWith))
	assert.Equal(t, a.id, got.Target)
}

func TestSyncRoomRepliesOnlyWithMissingPeers(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	a.send(signaling.MessageTypeSyncRoom, signaling.SyncRoomPayload{RoomName: "Alpha"})
	added := decode[signaling.AddPeersPayload](t, a.expect(signaling.MessageTypeAddPeers))
	assert.Equal(t, []domain.PeerID{b.id}, added.Peers)

	a.send(signaling.MessageTypeSyncRoom, signaling.SyncRoomPayload{RoomName: "Alpha", KnownPeers: []domain.PeerID{b.id}})
	a.expectNone()

	// Not a member of the named room.
	a.send(signaling.MessageTypeSyncRoom, signaling.SyncRoomPayload{RoomName: "Beta"})
	a.expectNone()
}

func TestSpeakingBroadcastExcludesSender(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	a.send(signaling.MessageTypeSpeaking, signaling.RoomPayload{RoomName: "Alpha"})
	got := decode[signaling.UserSpeakingPayload](t, b.expect(signaling.MessageTypeUserSpeaking))
	assert.Equal(t, a.id, got.UserID)

	a.send(signaling.MessageTypeStoppedSpeaking, signaling.RoomPayload{RoomName: "Alpha"})
	b.expect(signaling.MessageTypeUserStoppedSpeaking)
	a.expectNone()
}

func presenterOf(t *testing.T, msg signaling.Message) domain.PeerID {
	t.Helper()
	p := decode[signaling.PresenterPayload](t, msg)
	if p.PresenterID == nil {
		return ""
	}
	return *p.PresenterID
}

func TestPresenterArbitration(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	// No presenter yet: the request is granted by the hub.
	a.send(signaling.MessageTypeShareRequest, signaling.ShareRequestPayload{RoomName: "Alpha", SharerName: "ana"})
	token := decode[signaling.ShareTokenGrantedPayload](t, a.expect(signaling.MessageTypeShareTokenGranted))
	assert.True(t, token.GrantedBy.IsZero())

	a.send(signaling.MessageTypeStartedSharing, signaling.RoomPayload{RoomName: "Alpha"})
	assert.Equal(t, a.id, presenterOf(t, a.expect(signaling.MessageTypeCurrentPresenterUpdated)))
	assert.Equal(t, a.id, presenterOf(t, b.expect(signaling.MessageTypeCurrentPresenterUpdated)))

	b.send(signaling.MessageTypeShareRequest, signaling.ShareRequestPayload{RoomName: "Alpha", SharerName: "bo"})
	req := decode[signaling.SharePermissionRequestPayload](t, a.expect(signaling.MessageTypeSharePermissionRequest))
	assert.Equal(t, b.id, req.RequesterID)
	assert.Equal(t, "bo", req.RequesterName)
	b.expectNone()

	// Only the presenter may grant.
	b.send(signaling.MessageTypeSharePermissionGranted, signaling.SharePermissionGrantedPayload{RoomName: "Alpha", TargetID: b.id})
	b.expectNone()

	a.send(signaling.MessageTypeSharePermissionGranted, signaling.SharePermissionGrantedPayload{RoomName: "Alpha", TargetID: b.id})
	token = decode[signaling.ShareTokenGrantedPayload](t, b.expect(signaling.MessageTypeShareTokenGranted))
	assert.Equal(t, a.id, token.GrantedBy)

	b.send(signaling.MessageTypeStartedSharing, signaling.RoomPayload{RoomName: "Alpha"})
	assert.Equal(t, b.id, presenterOf(t, a.expect(signaling.MessageTypeCurrentPresenterUpdated)))
	assert.Equal(t, b.id, presenterOf(t, b.expect(signaling.MessageTypeCurrentPresenterUpdated)))

	// A stale stop from the previous presenter changes nothing.
	a.send(signaling.MessageTypeStoppedSharing, signaling.RoomPayload{RoomName: "Alpha"})
	a.expectNone()
	b.expectNone()

	b.send(signaling.MessageTypeStoppedSharing, signaling.RoomPayload{RoomName: "Alpha"})
	assert.True(t, presenterOf(t, a.expect(signaling.MessageTypeCurrentPresenterUpdated)).IsZero())
	assert.True(t, presenterOf(t, b.expect(signaling.MessageTypeCurrentPresenterUpdated)).IsZero())
}

func TestConcurrentStartsConvergeOnOnePresenter(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	a.send(signaling.MessageTypeStartedSharing, signaling.RoomPayload{RoomName: "Alpha"})
	b.send(signaling.MessageTypeStartedSharing, signaling.RoomPayload{RoomName: "Alpha"})

	var lastA, lastB domain.PeerID
	for i := 0; i < 2; i++ {
		lastA = presenterOf(t, a.expect(signaling.MessageTypeCurrentPresenterUpdated))
		lastB = presenterOf(t, b.expect(signaling.MessageTypeCurrentPresenterUpdated))
	}
	assert.Equal(t, lastA, lastB)
	assert.Contains(t, []domain.PeerID{a.id, b.id}, lastA)
}

func TestDisconnectIsRoomScopedAndClearsPresenter(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	other := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)
	other.join("Beta")

	b.send(signaling.MessageTypeStartedSharing, signaling.RoomPayload{RoomName: "Alpha"})
	a.expect(signaling.MessageTypeCurrentPresenterUpdated)
	b.expect(signaling.MessageTypeCurrentPresenterUpdated)

	require.NoError(t, b.conn.Close())

	assert.True(t, presenterOf(t, a.expect(signaling.MessageTypeCurrentPresenterUpdated)).IsZero())
	left := decode[signaling.PeerLeftPayload](t, a.expect(signaling.MessageTypePeerLeft))
	assert.Equal(t, b.id, left.PeerID)
	other.expectNone()

	// The freed slot is available again.
	c := connect(t, ts)
	assert.Equal(t, []domain.PeerID{a.id}, c.join("Alpha"))
}

func TestLeaveRoomAndSwitchRooms(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	// Joining another room leaves the first one.
	assert.Empty(t, b.join("Beta"))
	assert.Equal(t, b.id, decode[signaling.PeerLeftPayload](t, a.expect(signaling.MessageTypePeerLeft)).PeerID)

	a.send(signaling.MessageTypeLeaveRoom, nil)
	a.expectNone()
	assert.Empty(t, a.join("Alpha"))
}

func TestJoinValidation(t *testing.T) {
	_, ts := startServer(t, testConfig())
	a := connect(t, ts)

	a.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: ""})
	assert.Equal(t, 400, decode[signaling.ErrorPayload](t, a.expect(signaling.MessageTypeError)).Code)

	a.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: "bad/name"})
	assert.Equal(t, 400, decode[signaling.ErrorPayload](t, a.expect(signaling.MessageTypeError)).Code)

	a.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: strings.Repeat("x", 33)})
	assert.Equal(t, 400, decode[signaling.ErrorPayload](t, a.expect(signaling.MessageTypeError)).Code)

	assert.Empty(t, a.join("Café Ünïcode"))
}

func TestRoomLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Room.MaxRooms = 1
	_, ts := startServer(t, cfg)

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")

	b.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: "Beta"})
	assert.Equal(t, 503, decode[signaling.ErrorPayload](t, b.expect(signaling.MessageTypeError)).Code)

	// Joining an existing room is still fine.
	assert.Equal(t, []domain.PeerID{a.id}, b.join("Alpha"))
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Signaling.RateLimitPerSec = 0.001
	cfg.Signaling.RateLimitBurst = 1
	_, ts := startServer(t, cfg)

	a := connect(t, ts)
	a.join("Alpha")
	a.send(signaling.MessageTypeSyncRoom, signaling.SyncRoomPayload{RoomName: "Alpha"})
	assert.Equal(t, 429, decode[signaling.ErrorPayload](t, a.expect(signaling.MessageTypeError)).Code)
}

func TestRoomsAPIAndHealth(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	a.join("Alpha")

	resp, err := http.Get(ts.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Rooms []roomView `json:"rooms"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "Alpha", list.Rooms[0].Name)
	assert.Equal(t, []domain.PeerID{a.id}, list.Rooms[0].Members)
	assert.Equal(t, 2, list.Rooms[0].Capacity)

	resp2, err := http.Get(ts.URL + "/api/rooms/Alpha")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/api/rooms/Nope")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp4.Body.Close()
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp4.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "disabled", health["redis"])
	assert.EqualValues(t, 1, health["rooms"])
	assert.EqualValues(t, 1, health["peers"])
}

func TestMultiInstanceRelayThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	cfg1 := testConfig()
	cfg1.Server.InstanceID = "one"
	cfg2 := testConfig()
	cfg2.Server.InstanceID = "two"
	_, ts1 := startServer(t, cfg1, WithRedis(newClient()))
	_, ts2 := startServer(t, cfg2, WithRedis(newClient()))

	a := connect(t, ts1)
	b := connect(t, ts2)
	assert.Empty(t, a.join("Alpha"))
	assert.Equal(t, []domain.PeerID{a.id}, b.join("Alpha"))
	assert.Equal(t, b.id, decode[signaling.UserJoinedPayload](t, a.expect(signaling.MessageTypeUserJoin)).PeerID)

	a.send(signaling.MessageTypeOffer, signaling.SignalPayload{Target: b.id, SDP: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	assert.Equal(t, a.id, decode[signaling.SignalPayload](t, b.expect(signaling.MessageTypeOffer)).Sender)

	// Capacity is shared across instances.
	c := connect(t, ts1)
	c.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: "Alpha"})
	c.expect(signaling.MessageTypeRoomFull)

	require.NoError(t, b.conn.Close())
	assert.Equal(t, b.id, decode[signaling.PeerLeftPayload](t, a.expect(signaling.MessageTypePeerLeft)).PeerID)
}

func TestRejectedSwitchKeepsCurrentRoom(t *testing.T) {
	_, ts := startServer(t, testConfig())

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	c := connect(t, ts)
	d := connect(t, ts)
	c.join("Beta")
	d.join("Beta")
	c.expect(signaling.MessageTypeUserJoin)

	a.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: "Beta"})
	a.expect(signaling.MessageTypeRoomFull)
	b.expectNone()
	c.expectNone()

	// A still counts as a member of Alpha.
	a.send(signaling.MessageTypeSyncRoom, signaling.SyncRoomPayload{RoomName: "Alpha"})
	assert.Equal(t, []domain.PeerID{b.id}, decode[signaling.AddPeersPayload](t, a.expect(signaling.MessageTypeAddPeers)).Peers)

	e := connect(t, ts)
	e.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: "Alpha"})
	e.expect(signaling.MessageTypeRoomFull)
}

func TestRelaysUseTheirOwnBucket(t *testing.T) {
	cfg := testConfig()
	cfg.Signaling.RateLimitPerSec = 0.001
	cfg.Signaling.RateLimitBurst = 2
	_, ts := startServer(t, cfg)

	a := connect(t, ts)
	b := connect(t, ts)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	// A's control bucket is spent; negotiation still goes through.
	a.send(signaling.MessageTypeSyncRoom, signaling.SyncRoomPayload{RoomName: "Alpha", KnownPeers: []domain.PeerID{b.id}})
	a.send(signaling.MessageTypeSyncRoom, signaling.SyncRoomPayload{RoomName: "Alpha", KnownPeers: []domain.PeerID{b.id}})
	assert.Equal(t, 429, decode[signaling.ErrorPayload](t, a.expect(signaling.MessageTypeError)).Code)

	for i := 0; i < 20; i++ {
		a.send(signaling.MessageTypeICECandidate, signaling.SignalPayload{
			Target:    b.id,
			Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`),
		})
	}
	for i := 0; i < 20; i++ {
		b.expect(signaling.MessageTypeICECandidate)
	}
	a.expectNone()
}

func TestStopRemovesMembersFromSharedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	cfg1 := testConfig()
	cfg1.Server.InstanceID = "one"
	cfg2 := testConfig()
	cfg2.Server.InstanceID = "two"
	s1, ts1 := startServer(t, cfg1, WithRedis(newClient()))
	_, ts2 := startServer(t, cfg2, WithRedis(newClient()))

	a := connect(t, ts1)
	b := connect(t, ts2)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	s1.Stop()
	assert.Equal(t, a.id, decode[signaling.PeerLeftPayload](t, b.expect(signaling.MessageTypePeerLeft)).PeerID)
	assert.False(t, mr.Exists("meshcall:instance:one"))

	c := connect(t, ts2)
	assert.Equal(t, []domain.PeerID{b.id}, c.join("Alpha"))
}

func TestJoinExpiresMembersOfCrashedInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	cfg1 := testConfig()
	cfg1.Server.InstanceID = "one"
	cfg1.Redis.MemberTTL = time.Hour
	cfg2 := testConfig()
	cfg2.Server.InstanceID = "two"
	cfg2.Redis.MemberTTL = time.Hour
	_, ts1 := startServer(t, cfg1, WithRedis(newClient()))
	_, ts2 := startServer(t, cfg2, WithRedis(newClient()))

	a := connect(t, ts1)
	b := connect(t, ts2)
	a.join("Alpha")
	b.join("Alpha")
	a.expect(signaling.MessageTypeUserJoin)

	// Instance one vanishes without cleaning up: its heartbeat is gone but
	// its members are still recorded.
	mr.Del("meshcall:instance:one")

	c := connect(t, ts2)
	c.send(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: "Alpha"})
	assert.Equal(t, a.id, decode[signaling.PeerLeftPayload](t, b.expect(signaling.MessageTypePeerLeft)).PeerID)
	assert.Equal(t, []domain.PeerID{b.id}, decode[signaling.AllUsersPayload](t, c.expect(signaling.MessageTypeAllUsers)).Peers)
}
