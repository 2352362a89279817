package identity

import (
	"math/big"
	"strings"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		valid bool
	}{
		{"lowercase", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
		{"uppercase", "0xFB6916095CA1DF60BB79CE92CE3EA74C37C5D359", "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", true},
		{"valid checksum", "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB", "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB", true},
		{"no prefix", "d1220a0cf47c7b9be7a2e6ba89f429762e7b9adb", "0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb", true},
		{"surrounding spaces", "  0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed\n", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
		{"bad checksum", "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "", false},
		{"empty", "", "", false},
		{"too short", "0x1234", "", false},
		{"too long", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed00", "", false},
		{"non hex", "0xzzzeb6053f3e94c9b9a09f33669435e7ef1beaed", "", false},
		{"garbage", "not an address", "", false},
		{"prefix only", "0x", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeAddress(tt.input)
			if ok != tt.valid {
				t.Fatalf("NormalizeAddress(%q) ok = %v, want %v", tt.input, ok, tt.valid)
			}
			if got != tt.want {
				t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeAddress_NeverPanics(t *testing.T) {
	inputs := []string{"\x00", "0x" + strings.Repeat("g", 40), "0X", strings.Repeat("f", 1000), "0xé" + strings.Repeat("a", 39)}
	for _, in := range inputs {
		if _, ok := NormalizeAddress(in); ok {
			t.Errorf("NormalizeAddress(%q) unexpectedly valid", in)
		}
	}
}

func TestNormalizeChainID(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1", 1},
		{"137", 137},
		{"0x89", 137},
		{"0X1", 1},
		{" 10 ", 10},
		{"", 5},
		{"abc", 5},
		{"0", 5},
		{"-1", 5},
		{"0x0", 5},
		{"99999999999999999999999", 5},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeChainID(tt.input, 5); got != tt.want {
				t.Errorf("NormalizeChainID(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestChainIDFromBig(t *testing.T) {
	if got := ChainIDFromBig(big.NewInt(137), 1); got != 137 {
		t.Errorf("got %d, want 137", got)
	}
	if got := ChainIDFromBig(nil, 1); got != 1 {
		t.Errorf("nil: got %d, want 1", got)
	}
	if got := ChainIDFromBig(big.NewInt(-3), 1); got != 1 {
		t.Errorf("negative: got %d, want 1", got)
	}
}

func TestToDID(t *testing.T) {
	addr := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	did := ToDID(1, addr)
	if did != "did:pkh:eip155:1:0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed" {
		t.Fatalf("unexpected did %q", did)
	}
	if ToDID(1, addr) != did {
		t.Fatal("ToDID must be deterministic")
	}
	if ToDID(1, strings.ToLower(addr)) != did {
		t.Fatal("ToDID must ignore address casing")
	}
	if got := ToDID(137, addr); got != "did:pkh:eip155:137:0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed" {
		t.Fatalf("chain switch did = %q", got)
	}
}

func TestParseDID(t *testing.T) {
	chainID, addr, err := ParseDID("did:pkh:eip155:137:0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if chainID != 137 || addr != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Errorf("got (%d, %s)", chainID, addr)
	}

	bad := []string{
		"",
		"did:web:example.com",
		"did:pkh:eip155:1",
		"did:pkh:eip155:x:0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		"did:pkh:eip155:0x1:0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		"did:pkh:eip155:1:0x1234",
	}
	for _, in := range bad {
		if _, _, err := ParseDID(in); err == nil {
			t.Errorf("ParseDID(%q) expected error", in)
		}
	}
}

func TestSameAddress(t *testing.T) {
	if !SameAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed") {
		t.Fatal("expected same address")
	}
	if SameAddress("", "") {
		t.Fatal("invalid addresses must not match")
	}
}
