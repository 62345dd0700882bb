package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
)

// relaySession is a transfer session this node takes part in
type relaySession struct {
	owned    identity.Identity
	device   encoding.UID
	lastUsed time.Time
}

func (t *Transport) currentDevice(ctx context.Context, owned identity.Identity) (encoding.UID, error) {
	var uid encoding.UID
	err := t.store.View(ctx, func(m identity.Manager) error {
		var err error
		uid, err = m.CurrentDevice(owned)
		return err
	})
	if err != nil {
		return uid, fmt.Errorf("failed to resolve current device of %s: %w", owned, err)
	}
	return uid, nil
}

// query runs a server query and feeds the response back to the receiver
// along with the message it was sent with
func (t *Transport) query(ctx context.Context, msg protocol.OutgoingMessage) error {
	if t.server == nil {
		return ErrNoServer
	}
	r := t.currentReceiver()
	if r == nil {
		return fmt.Errorf("server response for %s before a receiver was set", msg.Owned)
	}
	q := msg.Destination.Query
	device, err := t.currentDevice(ctx, msg.Owned)
	if err != nil {
		return err
	}
	response, err := t.server.Query(ctx, msg.Owned, device, q)
	if err != nil {
		return err
	}

	switch q.Type {
	case protocol.QueryTransferOpen:
		if number, err := response.DecodeString(); err == nil {
			t.track(number, msg.Owned, device)
		}
	case protocol.QueryTransferJoin:
		if len(q.Inputs) > 0 {
			if number, err := q.Inputs[0].DecodeString(); err == nil {
				t.track(number, msg.Owned, device)
			}
		}
	}

	_, err = r.ProvideInboundMessage(ctx, protocol.Inbound{
		Owned:          msg.Owned,
		Raw:            msg.Payload,
		Channel:        protocol.ReceptionChannel{Kind: protocol.ChannelServerQuery},
		ServerResponse: &response,
	})
	return err
}

func (t *Transport) relay(ctx context.Context, msg protocol.OutgoingMessage) error {
	if t.server == nil {
		return ErrNoServer
	}
	device, err := t.currentDevice(ctx, msg.Owned)
	if err != nil {
		return err
	}
	if err := t.server.Relay(ctx, msg.Destination.Session, device, msg.Payload); err != nil {
		return err
	}
	t.track(msg.Destination.Session, msg.Owned, device)
	return nil
}

func (t *Transport) track(session string, owned identity.Identity, device encoding.UID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[session] = &relaySession{owned: owned, device: device, lastUsed: t.cfg.Clock.Now()}
}

// Sessions lists the relay sessions being polled
func (t *Transport) Sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.sessions))
	for number := range t.sessions {
		out = append(out, number)
	}
	return out
}

// PollSessions fetches pending relay payloads of every live session and
// hands them to the receiver. Sessions idle for longer than SessionTTL are
// dropped.
func (t *Transport) PollSessions(ctx context.Context) int {
	if t.server == nil {
		return 0
	}
	r := t.currentReceiver()
	if r == nil {
		return 0
	}

	now := t.cfg.Clock.Now()
	t.mu.Lock()
	live := make(map[string]relaySession, len(t.sessions))
	for number, s := range t.sessions {
		if now.Sub(s.lastUsed) > t.cfg.SessionTTL {
			delete(t.sessions, number)
			continue
		}
		live[number] = *s
	}
	t.mu.Unlock()

	delivered := 0
	for number, s := range live {
		payloads, err := t.server.Pending(ctx, number, s.device)
		if err != nil {
			t.cfg.Logger.Printf("⚠️  %v", err)
			continue
		}
		for _, p := range payloads {
			_, err := r.ProvideInboundMessage(ctx, protocol.Inbound{
				Owned:   s.owned,
				Raw:     p,
				Channel: protocol.ReceptionChannel{Kind: protocol.ChannelTransferRelay},
			})
			if err != nil {
				t.cfg.Logger.Printf("⚠️  relay payload of session %s failed: %v", number, err)
				continue
			}
			delivered++
		}
		if len(payloads) > 0 {
			t.track(number, s.owned, s.device)
		}
	}
	return delivered
}
