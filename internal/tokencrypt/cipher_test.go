package tokencrypt

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"typical jwt", "eyJhbGciOiJIUzI1NiJ9.eyJ1c2VySWQiOiJ1MSJ9.sig"},
		{"empty", ""},
		{"unicode", "tökén-​‌"},
		{"long", strings.Repeat("x", 8192)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := Encrypt(tt.plaintext, "secret-key")
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			got, ok := Decrypt(blob, "secret-key")
			if !ok {
				t.Fatal("Decrypt returned not-ok for valid blob")
			}
			if got != tt.plaintext {
				t.Errorf("round trip mismatch: got %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptProducesUniqueBlobs(t *testing.T) {
	a, err := Encrypt("same-token", "secret")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt("same-token", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestBlobFormat(t *testing.T) {
	blob, err := Encrypt("token", "secret")
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(blob, ":")
	if len(parts) != 4 {
		t.Fatalf("expected 4 colon-separated fields, got %d", len(parts))
	}
	if len(parts[0]) != saltLen*2 {
		t.Errorf("salt hex length = %d, want %d", len(parts[0]), saltLen*2)
	}
	if len(parts[1]) != ivLen*2 {
		t.Errorf("iv hex length = %d, want %d", len(parts[1]), ivLen*2)
	}
	if len(parts[2]) != tagLen*2 {
		t.Errorf("tag hex length = %d, want %d", len(parts[2]), tagLen*2)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	blob, err := Encrypt("token", "secret-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := Decrypt(blob, "secret-b"); ok {
		t.Error("Decrypt succeeded with the wrong key")
	}
}

func TestDecryptTampered(t *testing.T) {
	blob, err := Encrypt("a bearer token long enough to flip bits in", "secret")
	if err != nil {
		t.Fatal(err)
	}

	// Flip one hex digit of the ciphertext field.
	parts := strings.Split(blob, ":")
	ct := []byte(parts[3])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	parts[3] = string(ct)

	if _, ok := Decrypt(strings.Join(parts, ":"), "secret"); ok {
		t.Error("Decrypt succeeded on a tampered ciphertext")
	}
}

func TestDecryptMalformed(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"empty", ""},
		{"too few fields", "aa:bb:cc"},
		{"too many fields", "aa:bb:cc:dd:ee"},
		{"non-hex salt", "zz:" + strings.Repeat("0", 32) + ":" + strings.Repeat("0", 32) + ":00"},
		{"short salt", "00:" + strings.Repeat("0", 32) + ":" + strings.Repeat("0", 32) + ":00"},
		{"plain garbage", "not a blob at all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Decrypt(tt.blob, "secret"); ok {
				t.Errorf("Decrypt accepted malformed blob %q", tt.blob)
			}
		})
	}
}
