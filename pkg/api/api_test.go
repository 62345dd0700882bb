package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/backup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server *Server
	net    *protocoltest.Network
	alice  *protocoltest.Device
}

func setup(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	net := protocoltest.New(t, protocols.All()...)
	alice := net.AddIdentity("alice")
	server, err := NewServer(alice.Engine, nil, cfg)
	require.NoError(t, err)
	return &fixture{server: server, net: net, alice: alice}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) generateKeyEnvelope(uid encoding.UID) []byte {
	env := protocol.Envelope{
		Protocol: backup.ID,
		UID:      uid,
		Message:  backup.GenerateKey{}.MessageID(),
		Origin: protocol.Origin{
			Identity:  f.alice.Identity,
			Device:    f.alice.UID,
			Timestamp: f.net.Clock.Now(),
			Nonce:     f.net.PRNG().Bytes(protocol.OriginNonceSize),
		},
	}
	return env.Encode().Bytes()
}

func ownedQuery(id identity.Identity) string {
	text, _ := id.MarshalText()
	return url.QueryEscape(string(text))
}

func TestHealthAndProtocols(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, len(protocols.All()), health["protocols"])

	w = f.do(t, http.MethodGet, "/api/v1/protocols", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []ProtocolInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, len(protocols.All()))
	for _, p := range list {
		assert.NotEmpty(t, p.Steps, p.Name)
	}
	t.Logf("✅ %d protocols listed", len(list))
}

func TestInboundAndInstances(t *testing.T) {
	f := setup(t, nil)
	raw := f.generateKeyEnvelope(encoding.UID{7})

	w := f.do(t, http.MethodPost, "/api/v1/inbound", InboundRequest{Owned: f.alice.Identity, Payload: raw, Channel: "local"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp InboundResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "committed", resp.Outcome)

	w = f.do(t, http.MethodPost, "/api/v1/inbound", InboundRequest{Owned: f.alice.Identity, Payload: raw, Channel: "local"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "discarded", resp.Outcome, "replayed envelope")

	w = f.do(t, http.MethodGet, "/api/v1/instances?owned="+ownedQuery(f.alice.Identity), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var instances []protocol.InstanceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &instances))
	require.Len(t, instances, 1)
	assert.Equal(t, "backup", instances[0].ProtocolName)
	assert.Equal(t, "keyGenerated", instances[0].State)
	assert.True(t, instances[0].Finished)
}

func TestInboundValidation(t *testing.T) {
	f := setup(t, nil)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"not json", "nope", http.StatusBadRequest},
		{"no owned", InboundRequest{Payload: []byte{1}}, http.StatusBadRequest},
		{"no payload", InboundRequest{Owned: f.alice.Identity}, http.StatusBadRequest},
		{"oblivious", InboundRequest{Owned: f.alice.Identity, Payload: []byte{1}, Channel: "oblivious"}, http.StatusBadRequest},
		{"garbage", InboundRequest{Owned: f.alice.Identity, Payload: []byte{1, 2, 3}, Channel: "asymmetric"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/inbound", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	w := f.do(t, http.MethodGet, "/api/v1/instances", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/instances?owned=***", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaintenanceEndpoints(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/dispatch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"dispatched":0}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/gc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats protocol.GCStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))

	w = f.do(t, http.MethodGet, "/api/v1/network", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotifications(t *testing.T) {
	f := setup(t, nil)
	bob := f.net.AddIdentity("bob")
	log := f.server.Notifications()
	log.Record(f.alice.Identity, "backup_seed", []encoding.Encoded{encoding.OfString("ABCD EFGH")})
	log.Record(bob.Identity, "backup_uploaded", nil)
	log.Record(f.alice.Identity, "snapshot_merged", []encoding.Encoded{encoding.OfInt(3)})

	w := f.do(t, http.MethodGet, "/api/v1/notifications?owned="+ownedQuery(f.alice.Identity), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got []Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, []string{"ABCD EFGH"}, got[0].Values)
	assert.Equal(t, f.alice.Identity, got[1].Owned)

	w = f.do(t, http.MethodGet, "/api/v1/notifications?since=2", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "snapshot_merged", got[0].Name)

	w = f.do(t, http.MethodGet, "/api/v1/notifications?since=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotificationLogEvicts(t *testing.T) {
	log := NewNotificationLog(2)
	for _, name := range []string{"a", "b", "c"} {
		log.Record(identity.Identity{}, name, nil)
	}
	got := log.Since(0, identity.Identity{})
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, uint64(3), got[1].Seq)
}

func TestAPIKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKeys = []string{"secret"}
	f := setup(t, cfg)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code, "health stays open")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/protocols", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/protocols", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))

	later := rl.now().Add(2 * rl.window)
	rl.now = func() time.Time { return later }
	assert.True(t, rl.Allow("1.2.3.4"), "new window")
}
