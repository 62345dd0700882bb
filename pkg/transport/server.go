package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
)

const contentType = "application/octet-stream"

// maxResponseSize bounds server answers, backups included
const maxResponseSize = 16 << 20

var ErrServerUnavailable = errors.New("server unavailable")

// Server answers server queries and relays identity-transfer sessions
type Server interface {
	Query(ctx context.Context, owned identity.Identity, device encoding.UID, q *protocol.ServerQuery) (encoding.Encoded, error)
	// Relay posts a payload to the other party of a transfer session
	Relay(ctx context.Context, session string, device encoding.UID, payload []byte) error
	// Pending returns and removes the payloads waiting for device in a session
	Pending(ctx context.Context, session string, device encoding.UID) ([][]byte, error)
}

// HTTPServer talks to the ZenTalk server over HTTP. Bodies are encoded
// values. Backup uploads are sent as Shards.
//
//	POST /v1/query                      list(owned, device, type, list(inputs))
//	POST /v1/relay/{session}?device=... payload
//	GET  /v1/relay/{session}?device=... list(payloads)
type HTTPServer struct {
	base   string
	client *http.Client
}

// NewHTTPServer creates a client for the server at base
func NewHTTPServer(base string, timeout time.Duration) *HTTPServer {
	return &HTTPServer{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPServer) Query(ctx context.Context, owned identity.Identity, device encoding.UID, q *protocol.ServerQuery) (encoding.Encoded, error) {
	inputs, err := shardInputs(q)
	if err != nil {
		return encoding.Encoded{}, fmt.Errorf("query %s: %w", q.Type, err)
	}
	body := encoding.OfList(
		owned.Encode(),
		encoding.OfUID(device),
		encoding.OfString(string(q.Type)),
		encoding.OfList(inputs...),
	)
	b, err := s.do(ctx, http.MethodPost, s.base+"/v1/query", body.Bytes())
	if err != nil {
		return encoding.Encoded{}, fmt.Errorf("query %s: %w", q.Type, err)
	}
	return encoding.Parse(b)
}

func (s *HTTPServer) Relay(ctx context.Context, session string, device encoding.UID, payload []byte) error {
	_, err := s.do(ctx, http.MethodPost, s.relayURL(session, device), payload)
	if err != nil {
		return fmt.Errorf("relay session %s: %w", session, err)
	}
	return nil
}

func (s *HTTPServer) Pending(ctx context.Context, session string, device encoding.UID) ([][]byte, error) {
	b, err := s.do(ctx, http.MethodGet, s.relayURL(session, device), nil)
	if err != nil {
		return nil, fmt.Errorf("poll session %s: %w", session, err)
	}
	e, err := encoding.Parse(b)
	if err != nil {
		return nil, err
	}
	items, err := e.DecodeList()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(items))
	for _, it := range items {
		p, err := it.DecodeBytes()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *HTTPServer) relayURL(session string, device encoding.UID) string {
	return fmt.Sprintf("%s/v1/relay/%s?device=%s", s.base, url.PathEscape(session), device)
}

func (s *HTTPServer) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(b))
	}
	return b, nil
}
