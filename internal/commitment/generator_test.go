package commitment

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerator_Generate(t *testing.T) {
	g, err := NewGenerator(0)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	s1, err := g.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	s2, err := g.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(s1.Value) != DefaultSeedBytes {
		t.Fatalf("expected %d seed bytes, got %d", DefaultSeedBytes, len(s1.Value))
	}
	if bytes.Equal(s1.Value, s2.Value) {
		t.Fatalf("two seeds should differ")
	}
	if !Check(s1.Value, s1.Commitment) {
		t.Fatalf("commitment does not match seed")
	}
	if Check(s2.Value, s1.Commitment) {
		t.Fatalf("commitment matched the wrong seed")
	}
}

func TestNewGenerator_RejectsShortSeeds(t *testing.T) {
	if _, err := NewGenerator(16); err == nil {
		t.Fatal("expected error for a 128-bit seed")
	}
}

func TestGenerator_EntropyFailure(t *testing.T) {
	g := &Generator{size: MinSeedBytes, source: failingReader{}}
	if _, err := g.Generate(); err == nil {
		t.Fatal("expected error when entropy source fails")
	}
}

func TestDigest_KnownVector(t *testing.T) {
	// SHA-256 of the empty string.
	const want = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Digest(nil); got != want {
		t.Fatalf("digest = %s, want %s", got, want)
	}
}

func TestDecodeSeed(t *testing.T) {
	cases := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"0x0AFF", []byte{0x0a, 0xff}, false},
		{"0aff", []byte{0x0a, 0xff}, false},
		{"", nil, true},
		{"abc", nil, true},
		{"zz", nil, true},
	}
	for _, tc := range cases {
		got, err := DecodeSeed(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("DecodeSeed(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("DecodeSeed(%q): %v", tc.in, err)
			continue
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("DecodeSeed(%q) = %x, want %x", tc.in, got, tc.want)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }
