package protocoltest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
)

// Server answers server queries the way the ZenTalk server does
type Server struct {
	net *Network

	mu          sync.Mutex
	devices     map[identity.Identity][]encoding.UID
	deviceNames map[encoding.UID]string
	userData    map[string][]byte
	backups     map[identity.Identity][]byte
	sessions    map[string]*transferSession
	nextSession int

	Keycloak *Keycloak
}

// transferSession pairs the device that opened a session number with the
// one that joined it
type transferSession struct {
	opener *Device
	joiner *Device
}

// Keycloak is a fake keycloak directory that signs user details
type Keycloak struct {
	ServerURL string
	ClientID  string
	SignKey   crypto.SignPrivateKey
	Public    crypto.SignPublicKey
	Users     map[string]identity.Details
}

func newServer(n *Network) *Server {
	pub, priv, err := crypto.GenerateSignKeyPair(crypto.SignatureEd25519, n.prng)
	if err != nil {
		n.t.Fatalf("failed to generate keycloak key: %v", err)
	}
	return &Server{
		net:         n,
		devices:     make(map[identity.Identity][]encoding.UID),
		deviceNames: make(map[encoding.UID]string),
		userData:    make(map[string][]byte),
		backups:     make(map[identity.Identity][]byte),
		sessions:    make(map[string]*transferSession),
		nextSession: 100000,
		Keycloak: &Keycloak{
			ServerURL: "https://keycloak.zentalk.test",
			ClientID:  "zentalk",
			SignKey:   priv,
			Public:    pub,
			Users:     make(map[string]identity.Details),
		},
	}
}

// SignDetails signs details for id with the keycloak key
func (k *Keycloak) SignDetails(id identity.Identity, d identity.Details) []byte {
	sig, err := k.SignKey.Sign(identity.KeycloakPayload(id, d))
	if err != nil {
		panic(err)
	}
	return sig
}

func (s *Server) registerDevice(id identity.Identity, uid encoding.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.devices[id] {
		if u == uid {
			return
		}
	}
	s.devices[id] = append(s.devices[id], uid)
}

// RegisteredDevices returns the devices the server knows for id
func (s *Server) RegisteredDevices(id identity.Identity) []encoding.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]encoding.UID(nil), s.devices[id]...)
}

// DeviceName returns the name set through device management
func (s *Server) DeviceName(uid encoding.UID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceNames[uid]
}

// UserData returns an uploaded blob
func (s *Server) UserData(label string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.userData[label]
	return b, ok
}

// CorruptUserData overwrites an uploaded blob
func (s *Server) CorruptUserData(label string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userData[label] = b
}

// Backup returns the last backup uploaded for id
func (s *Server) Backup(id identity.Identity) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	return b, ok
}

func (s *Server) handle(from *Device, q *protocol.ServerQuery) (encoding.Encoded, error) {
	if q == nil {
		return encoding.Encoded{}, fmt.Errorf("server destination without query")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	in := q.Inputs
	switch q.Type {
	case protocol.QueryDeviceDiscovery:
		if len(in) != 1 {
			return encoding.Encoded{}, fmt.Errorf("device discovery: want 1 input, got %d", len(in))
		}
		id, err := identity.Decode(in[0])
		if err != nil {
			return encoding.Encoded{}, err
		}
		return encoding.OfUIDs(s.devices[id]), nil

	case protocol.QueryPutUserData:
		if len(in) != 2 {
			return encoding.Encoded{}, fmt.Errorf("put user data: want 2 inputs, got %d", len(in))
		}
		label, err := in[0].DecodeString()
		if err != nil {
			return encoding.Encoded{}, err
		}
		data, err := in[1].DecodeBytes()
		if err != nil {
			return encoding.Encoded{}, err
		}
		s.userData[label] = data
		return encoding.OfBool(true), nil

	case protocol.QueryGetUserData:
		if len(in) != 1 {
			return encoding.Encoded{}, fmt.Errorf("get user data: want 1 input, got %d", len(in))
		}
		label, err := in[0].DecodeString()
		if err != nil {
			return encoding.Encoded{}, err
		}
		return encoding.OfBytes(s.userData[label]), nil

	case protocol.QueryDeviceManagement:
		if len(in) < 2 {
			return encoding.Encoded{}, fmt.Errorf("device management: want at least 2 inputs, got %d", len(in))
		}
		action, err := in[0].DecodeString()
		if err != nil {
			return encoding.Encoded{}, err
		}
		uid, err := in[1].DecodeUID()
		if err != nil {
			return encoding.Encoded{}, err
		}
		switch action {
		case "rename":
			if len(in) != 3 {
				return encoding.Encoded{}, fmt.Errorf("rename needs a name")
			}
			name, err := in[2].DecodeString()
			if err != nil {
				return encoding.Encoded{}, err
			}
			s.deviceNames[uid] = name
		case "deactivate":
			var kept []encoding.UID
			for _, u := range s.devices[from.Identity] {
				if u != uid {
					kept = append(kept, u)
				}
			}
			s.devices[from.Identity] = kept
		default:
			return encoding.OfBool(false), nil
		}
		return encoding.OfBool(true), nil

	case protocol.QueryDeleteOwnedIdentity:
		delete(s.devices, from.Identity)
		delete(s.backups, from.Identity)
		return encoding.OfBool(true), nil

	case protocol.QueryUploadBackup:
		if len(in) != 1 {
			return encoding.Encoded{}, fmt.Errorf("upload backup: want 1 input, got %d", len(in))
		}
		blob, err := in[0].DecodeBytes()
		if err != nil {
			return encoding.Encoded{}, err
		}
		s.backups[from.Identity] = blob
		return encoding.OfBool(true), nil

	case protocol.QueryTransferOpen:
		s.nextSession++
		number := fmt.Sprintf("%08d", s.nextSession)
		s.sessions[number] = &transferSession{opener: from}
		return encoding.OfString(number), nil

	case protocol.QueryTransferJoin:
		if len(in) != 1 {
			return encoding.Encoded{}, fmt.Errorf("transfer join: want 1 input, got %d", len(in))
		}
		number, err := in[0].DecodeString()
		if err != nil {
			return encoding.Encoded{}, err
		}
		session, ok := s.sessions[number]
		if !ok || session.joiner != nil || session.opener == from {
			return encoding.OfBool(false), nil
		}
		session.joiner = from
		return encoding.OfBool(true), nil

	case protocol.QueryKeycloakMe:
		if len(in) != 3 {
			return encoding.Encoded{}, fmt.Errorf("keycloak me: want 3 inputs, got %d", len(in))
		}
		userID, err := in[1].DecodeString()
		if err != nil {
			return encoding.Encoded{}, err
		}
		id, err := identity.Decode(in[2])
		if err != nil {
			return encoding.Encoded{}, err
		}
		details, ok := s.Keycloak.Users[userID]
		if !ok {
			return encoding.OfList(), nil
		}
		b, _ := json.Marshal(details)
		return encoding.OfList(
			encoding.OfBytes(s.Keycloak.Public.Bytes()),
			encoding.OfBytes(b),
			encoding.OfBytes(s.Keycloak.SignDetails(id, details)),
		), nil
	}
	return encoding.Encoded{}, fmt.Errorf("unknown server query %q", q.Type)
}

func (s *Server) relayPeer(number string, from *Device) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[number]
	if !ok || session.joiner == nil {
		return nil, fmt.Errorf("transfer session %s is not connected", number)
	}
	if session.opener == from {
		return session.joiner, nil
	}
	if session.joiner == from {
		return session.opener, nil
	}
	return nil, fmt.Errorf("%s is not part of transfer session %s", from.Name, number)
}
