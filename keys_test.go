package rdpmitm

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKeysCrossInvariant(t *testing.T) {
	clientRand := bytes.Repeat([]byte{0xaa}, 32)
	serverRand := bytes.Repeat([]byte{0xbb}, 32)

	keys := deriveSessionKeys(clientRand, serverRand)

	if !bytes.Equal(keys.clientEncryptKey, keys.serverDecryptKey) {
		t.Errorf("clientEncryptKey != serverDecryptKey: %x vs %x", keys.clientEncryptKey, keys.serverDecryptKey)
	}
	if !bytes.Equal(keys.clientDecryptKey, keys.serverEncryptKey) {
		t.Errorf("clientDecryptKey != serverEncryptKey: %x vs %x", keys.clientDecryptKey, keys.serverEncryptKey)
	}
	if len(keys.masterSecret) != 48 {
		t.Errorf("len(masterSecret) = %d, want 48", len(keys.masterSecret))
	}
	if len(keys.sessionKeyBlob) != 48 {
		t.Errorf("len(sessionKeyBlob) = %d, want 48", len(keys.sessionKeyBlob))
	}
	if len(keys.macKey) != 16 {
		t.Errorf("len(macKey) = %d, want 16", len(keys.macKey))
	}
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	clientRand := bytes.Repeat([]byte{0x01}, 32)
	serverRand := bytes.Repeat([]byte{0x02}, 32)

	a := deriveSessionKeys(clientRand, serverRand)
	b := deriveSessionKeys(clientRand, serverRand)

	if !bytes.Equal(a.masterSecret, b.masterSecret) {
		t.Errorf("masterSecret not deterministic")
	}
	if !bytes.Equal(a.serverEncryptKey, b.serverEncryptKey) {
		t.Errorf("serverEncryptKey not deterministic")
	}
}

func TestDeriveSessionKeysSensitiveToInput(t *testing.T) {
	serverRand := bytes.Repeat([]byte{0x02}, 32)

	a := deriveSessionKeys(bytes.Repeat([]byte{0x01}, 32), serverRand)
	b := deriveSessionKeys(bytes.Repeat([]byte{0x03}, 32), serverRand)

	if bytes.Equal(a.masterSecret, b.masterSecret) {
		t.Errorf("masterSecret identical for different client randoms")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		n    int
		want []byte
	}{
		{"shorter than n is unchanged", []byte{1, 2}, 5, []byte{1, 2}},
		{"longer than n is truncated", []byte{1, 2, 3, 4}, 2, []byte{1, 2}},
		{"exact length is unchanged", []byte{1, 2, 3}, 3, []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); !bytes.Equal(got, tt.want) {
				t.Errorf("truncate(%v, %d) = %v, want %v", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestConcat(t *testing.T) {
	got := concat([]byte{1, 2}, nil, []byte{3}, []byte{4, 5})
	want := []byte{1, 2, 3, 4, 5}
	if !bytes.Equal(got, want) {
		t.Errorf("concat = %v, want %v", got, want)
	}
}
