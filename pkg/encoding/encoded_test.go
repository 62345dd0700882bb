package encoding

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestIntEncodingIsFixedWidth(t *testing.T) {
	got := OfInt(1).Bytes()
	want := []byte{0x01, 0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 1}
	if !bytes.Equal(got, want) {
		t.Fatalf("OfInt(1) = %x, want %x", got, want)
	}

	// A short int payload is a different encoding of the same number and must be rejected
	if _, err := Parse([]byte{0x01, 0, 0, 0, 1, 1}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Parse(short int) error = %v, want ErrInvalidPayload", err)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	now := time.UnixMilli(time.Now().UnixMilli())
	var uid UID
	uid[0], uid[31] = 0xaa, 0x55

	tests := []struct {
		name  string
		value Encoded
		check func(Encoded) error
	}{
		{"bytes", OfBytes([]byte{1, 2, 3}), func(e Encoded) error {
			b, err := e.DecodeBytes()
			if err == nil && !bytes.Equal(b, []byte{1, 2, 3}) {
				return errors.New("bytes mismatch")
			}
			return err
		}},
		{"negative int", OfInt(-42), func(e Encoded) error {
			v, err := e.DecodeInt()
			if err == nil && v != -42 {
				return errors.New("int mismatch")
			}
			return err
		}},
		{"uint", OfUint(1 << 63), func(e Encoded) error {
			v, err := e.DecodeUint()
			if err == nil && v != 1<<63 {
				return errors.New("uint mismatch")
			}
			return err
		}},
		{"bool", OfBool(true), func(e Encoded) error {
			v, err := e.DecodeBool()
			if err == nil && !v {
				return errors.New("bool mismatch")
			}
			return err
		}},
		{"uid", OfUID(uid), func(e Encoded) error {
			v, err := e.DecodeUID()
			if err == nil && v != uid {
				return errors.New("uid mismatch")
			}
			return err
		}},
		{"date", OfDate(now), func(e Encoded) error {
			v, err := e.DecodeDate()
			if err == nil && !v.Equal(now) {
				return errors.New("date mismatch")
			}
			return err
		}},
		{"string", OfString("héllo"), func(e Encoded) error {
			v, err := e.DecodeString()
			if err == nil && v != "héllo" {
				return errors.New("string mismatch")
			}
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse(tt.value.Bytes())
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !parsed.Equal(tt.value) {
				t.Fatal("Parse() changed the encoding")
			}
			if err := tt.check(parsed); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestWrongTypeIsReported(t *testing.T) {
	if _, err := OfBool(false).DecodeInt(); !errors.Is(err, ErrWrongType) {
		t.Errorf("DecodeInt(bool) error = %v, want ErrWrongType", err)
	}
	if _, err := OfInt(3).DecodeList(); !errors.Is(err, ErrWrongType) {
		t.Errorf("DecodeList(int) error = %v, want ErrWrongType", err)
	}
	if _, err := (Encoded{}).DecodeBytes(); !errors.Is(err, ErrTruncated) {
		t.Errorf("DecodeBytes(zero) error = %v, want ErrTruncated", err)
	}
}

func TestMalformedInputs(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", []byte{0x00, 0, 0}, ErrTruncated},
		{"declared length exceeds input", []byte{0x00, 0, 0, 0, 4, 1, 2}, ErrTruncated},
		{"trailing bytes", []byte{0x00, 0, 0, 0, 1, 7, 7}, ErrTrailingBytes},
		{"unknown byte id", []byte{0x42, 0, 0, 0, 0}, ErrUnknownByteID},
		{"bool value 2", []byte{0x02, 0, 0, 0, 1, 2}, ErrInvalidPayload},
		{"uid too short", []byte{0x06, 0, 0, 0, 1, 0}, ErrInvalidPayload},
		{"oversized length", []byte{0x00, 0xff, 0xff, 0xff, 0xff}, ErrTooLarge},
		{"truncated list element", []byte{0x03, 0, 0, 0, 3, 0x00, 0, 0}, ErrTruncated},
		{"non-bytes dictionary key", append([]byte{0x04, 0, 0, 0, 26}, append(OfInt(1).Bytes(), OfInt(2).Bytes()...)...), ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEveryPrefixIsRejected(t *testing.T) {
	value := OfList(
		OfInt(7),
		OfDictionary(Dictionary{"a": OfBool(true), "b": OfList(OfString("x"))}),
		OfBytes(bytes.Repeat([]byte{9}, 20)),
	)
	raw := value.Bytes()
	for i := 0; i < len(raw); i++ {
		if _, err := Parse(raw[:i]); err == nil {
			t.Fatalf("Parse(prefix %d/%d) succeeded", i, len(raw))
		}
	}
}

func TestListArity(t *testing.T) {
	list := OfList(OfInt(1), OfInt(2), OfInt(3))

	n, err := list.ListLen()
	if err != nil || n != 3 {
		t.Fatalf("ListLen() = %d, %v; want 3", n, err)
	}
	if _, err := list.DecodeListN(2); !errors.Is(err, ErrWrongArity) {
		t.Errorf("DecodeListN(2) error = %v, want ErrWrongArity", err)
	}
	items, err := list.DecodeListN(3)
	if err != nil {
		t.Fatalf("DecodeListN(3) error = %v", err)
	}
	if v, _ := items[2].DecodeInt(); v != 3 {
		t.Errorf("items[2] = %d, want 3", v)
	}

	empty := OfList()
	if n, _ := empty.ListLen(); n != 0 {
		t.Errorf("empty ListLen() = %d", n)
	}
}

func TestDictionaryIsCanonical(t *testing.T) {
	a := OfDictionary(Dictionary{"z": OfInt(1), "a": OfInt(2), "m": OfBool(false)})
	b := OfDictionary(Dictionary{"m": OfBool(false), "a": OfInt(2), "z": OfInt(1)})
	if !a.Equal(b) {
		t.Fatal("dictionary encoding depends on insertion order")
	}

	d, err := a.DecodeDictionary()
	if err != nil {
		t.Fatalf("DecodeDictionary() error = %v", err)
	}
	if v, _ := d["a"].DecodeInt(); v != 2 {
		t.Errorf("d[a] = %d, want 2", v)
	}
	if _, err := d.Require("missing"); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Require(missing) error = %v", err)
	}
}

func TestDictionaryDuplicateKeyRejected(t *testing.T) {
	payload := append(append(OfString("k").Bytes(), OfInt(1).Bytes()...), append(OfString("k").Bytes(), OfInt(2).Bytes()...)...)
	raw := Tagged(ByteIDDictionary, payload).Bytes()
	if _, err := Parse(raw); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Parse() error = %v, want ErrDuplicateKey", err)
	}
}

func TestDictionaryKeyOrderRejected(t *testing.T) {
	payload := append(append(OfString("b").Bytes(), OfInt(1).Bytes()...), append(OfString("a").Bytes(), OfInt(2).Bytes()...)...)
	raw := Tagged(ByteIDDictionary, payload).Bytes()
	if _, err := Parse(raw); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Parse() error = %v, want ErrInvalidPayload", err)
	}
	if _, err := Tagged(ByteIDDictionary, payload).DecodeDictionary(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("DecodeDictionary() error = %v, want ErrInvalidPayload", err)
	}

	// a canonical dictionary re-encodes byte for byte
	canonical := OfDictionary(Dictionary{"a": OfInt(2), "b": OfInt(1)})
	parsed, err := Parse(canonical.Bytes())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d, err := parsed.DecodeDictionary()
	if err != nil {
		t.Fatalf("DecodeDictionary() error = %v", err)
	}
	if !bytes.Equal(OfDictionary(d).Bytes(), canonical.Bytes()) {
		t.Error("dictionary round trip changed the encoding")
	}
}

func TestNestingDepthLimit(t *testing.T) {
	v := OfInt(0)
	for i := 0; i < MaxDepth; i++ {
		v = OfList(v)
	}
	if _, err := Parse(v.Bytes()); err != nil {
		t.Fatalf("Parse(depth %d) error = %v", MaxDepth, err)
	}
	v = OfList(v)
	if _, err := Parse(v.Bytes()); !errors.Is(err, ErrTooDeep) {
		t.Errorf("Parse(depth %d) error = %v, want ErrTooDeep", MaxDepth+1, err)
	}
}

func TestParsePrefix(t *testing.T) {
	stream := append(OfInt(5).Bytes(), OfString("rest").Bytes()...)
	first, rest, err := ParsePrefix(stream)
	if err != nil {
		t.Fatalf("ParsePrefix() error = %v", err)
	}
	if v, _ := first.DecodeInt(); v != 5 {
		t.Errorf("first = %d, want 5", v)
	}
	second, err := Parse(rest)
	if err != nil {
		t.Fatalf("Parse(rest) error = %v", err)
	}
	if s, _ := second.DecodeString(); s != "rest" {
		t.Errorf("second = %q", s)
	}
}

func TestUIDHex(t *testing.T) {
	var u UID
	u[3] = 0x10
	parsed, err := ParseUID(u.String())
	if err != nil || parsed != u {
		t.Fatalf("ParseUID(String()) = %v, %v", parsed, err)
	}
	if _, err := ParseUID("abcd"); err == nil {
		t.Error("ParseUID(short) succeeded")
	}
	if !(UID{}).IsZero() || u.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func FuzzParse(f *testing.F) {
	f.Add(OfList(OfInt(1), OfDictionary(Dictionary{"k": OfBytes([]byte("v"))})).Bytes())
	f.Add([]byte{0x03, 0, 0, 0, 5, 0x00, 0, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		e, err := Parse(data)
		if err != nil {
			return
		}
		if !bytes.Equal(e.Bytes(), data) {
			t.Fatal("Parse() altered a valid input")
		}
		if e.ID() == ByteIDList {
			if _, err := e.DecodeList(); err != nil {
				t.Fatalf("DecodeList() on validated list: %v", err)
			}
		}
		if e.ID() == ByteIDDictionary {
			if _, err := e.DecodeDictionary(); err != nil {
				t.Fatalf("DecodeDictionary() on validated dict: %v", err)
			}
		}
	})
}
