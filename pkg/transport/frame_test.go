package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T) identity.Identity {
	t.Helper()
	id, _, err := identity.Generate("https://server.test", crypto.SignatureEd25519, crypto.SystemPRNG())
	require.NoError(t, err)
	return id
}

func TestFrameStream(t *testing.T) {
	recipient := testIdentity(t)
	frames := []Frame{
		{Kind: FrameOblivious, Recipient: recipient, Sender: encoding.UID{1}, Body: []byte("sealed")},
		{Kind: FrameAsymmetric, Recipient: recipient, Sender: encoding.UID{2}, Body: []byte{}},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}
	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.Recipient, got.Recipient)
		assert.Equal(t, want.Sender, got.Sender)
		assert.Equal(t, want.Body, got.Body)
	}
	_, err := ReadFrame(&buf)
	assert.Error(t, err, "stream exhausted")
}

func TestReadFrameRejectsBadInput(t *testing.T) {
	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, MaxFrameSize+1)

	tests := []struct {
		name  string
		input []byte
	}{
		{"short header", []byte{0, 0}},
		{"oversized", oversized},
		{"truncated body", []byte{0, 0, 0, 9, 1, 2}},
		{"not a frame", append([]byte{0, 0, 0, 3}, encoding.OfString("x").Bytes()[:3]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input))
			assert.Error(t, err)
		})
	}

	_, err := ReadFrame(bytes.NewReader(oversized))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeFrameRejectsUnknownKind(t *testing.T) {
	f := Frame{Kind: 7, Recipient: testIdentity(t), Body: []byte("x")}
	_, err := DecodeFrame(f.Encode())
	assert.ErrorIs(t, err, encoding.ErrInvalidPayload)
}
