package transport

import (
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/klauspost/reedsolomon"
)

const (
	DataShards   = 10
	ParityShards = 5
	TotalShards  = DataShards + ParityShards
)

var ErrInsufficientShards = errors.New("insufficient shards for recovery")

// shardedQueries carry a single ciphertext input that the server stores
// erasure-coded across its storage nodes
var shardedQueries = map[protocol.QueryType]bool{
	protocol.QueryUploadBackup: true,
}

// Shards is a blob split into DataShards data shards and ParityShards
// parity shards. Any DataShards of them rebuild the blob.
type Shards struct {
	Size   int
	Shards [][]byte
}

// ShardBlob erasure-codes data
func ShardBlob(data []byte) (*Shards, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot shard empty data")
	}
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split data: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode parity: %w", err)
	}
	return &Shards{Size: len(data), Shards: shards}, nil
}

// Join rebuilds the blob. Missing shards are nil.
func (s *Shards) Join() ([]byte, error) {
	if len(s.Shards) != TotalShards {
		return nil, fmt.Errorf("expected %d shards, got %d", TotalShards, len(s.Shards))
	}
	available := 0
	for _, shard := range s.Shards {
		if shard != nil {
			available++
		}
	}
	if available < DataShards {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShards, available, DataShards)
	}

	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	shards := make([][]byte, TotalShards)
	copy(shards, s.Shards)
	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct shards: %w", err)
	}

	buf := make([]byte, 0, s.Size)
	for _, shard := range shards[:DataShards] {
		buf = append(buf, shard...)
	}
	if len(buf) < s.Size {
		return nil, fmt.Errorf("%w: shards hold %d bytes, want %d", encoding.ErrInvalidPayload, len(buf), s.Size)
	}
	return buf[:s.Size], nil
}

// Encode gives list(int size, list(shard...))
func (s *Shards) Encode() encoding.Encoded {
	items := make([]encoding.Encoded, len(s.Shards))
	for i, shard := range s.Shards {
		items[i] = encoding.OfBytes(shard)
	}
	return encoding.OfList(encoding.OfInt(int64(s.Size)), encoding.OfList(items...))
}

func DecodeShards(e encoding.Encoded) (*Shards, error) {
	items, err := e.DecodeListN(2)
	if err != nil {
		return nil, err
	}
	size, err := items[0].DecodeInt()
	if err != nil {
		return nil, err
	}
	list, err := items[1].DecodeList()
	if err != nil {
		return nil, err
	}
	if size <= 0 || len(list) != TotalShards {
		return nil, fmt.Errorf("%w: bad shard header", encoding.ErrInvalidPayload)
	}
	s := &Shards{Size: int(size), Shards: make([][]byte, len(list))}
	for i, it := range list {
		if s.Shards[i], err = it.DecodeBytes(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// shardInputs replaces the ciphertext input of a sharded query by its shards
func shardInputs(q *protocol.ServerQuery) ([]encoding.Encoded, error) {
	if !shardedQueries[q.Type] || len(q.Inputs) != 1 {
		return q.Inputs, nil
	}
	blob, err := q.Inputs[0].DecodeBytes()
	if err != nil || len(blob) == 0 {
		return q.Inputs, nil
	}
	s, err := ShardBlob(blob)
	if err != nil {
		return nil, err
	}
	return []encoding.Encoded{s.Encode()}, nil
}
