package onion

import (
	"bytes"
	"testing"
)

func TestBencodeListRoundTrip(t *testing.T) {
	items := [][]byte{
		[]byte(`{"code":200,"headers":{}}`),
		[]byte("arbitrary response body bytes"),
	}
	encoded := encodeBencodeList(items)

	decoded, err := decodeBencodeList(encoded)
	if err != nil {
		t.Fatalf("decodeBencodeList: %v", err)
	}
	if len(decoded) != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), len(decoded))
	}
	for i := range items {
		if !bytes.Equal(decoded[i], items[i]) {
			t.Fatalf("item %d mismatch: got %q, want %q", i, decoded[i], items[i])
		}
	}
}

func TestBencodeListEmptyElement(t *testing.T) {
	items := [][]byte{[]byte(""), []byte("x")}
	decoded, err := decodeBencodeList(encodeBencodeList(items))
	if err != nil {
		t.Fatalf("decodeBencodeList: %v", err)
	}
	if len(decoded[0]) != 0 || string(decoded[1]) != "x" {
		t.Fatalf("unexpected decode result: %v", decoded)
	}
}

func TestBencodeListMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte("not bencode"),
		[]byte("l6:shorte"),
		[]byte("l"),
	}
	for _, c := range cases {
		if _, err := decodeBencodeList(c); err == nil {
			t.Errorf("expected error decoding %q", c)
		}
	}
}
