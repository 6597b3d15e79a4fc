package storagerpc

import (
	"sort"
	"strconv"
	"strings"
)

// canonicalBuilder concatenates signed fields in the exact order the wire
// protocol requires, with every numeric field rendered as base-10 ASCII —
// the form every endpoint's signature covers.
type canonicalBuilder struct {
	sb strings.Builder
}

func (c *canonicalBuilder) str(s string) *canonicalBuilder {
	c.sb.WriteString(s)
	return c
}

func (c *canonicalBuilder) int64(n int64) *canonicalBuilder {
	c.sb.WriteString(strconv.FormatInt(n, 10))
	return c
}

func (c *canonicalBuilder) strs(items []string) *canonicalBuilder {
	for _, item := range items {
		c.sb.WriteString(item)
	}
	return c
}

func (c *canonicalBuilder) bytes() []byte {
	return []byte(c.sb.String())
}

func storeSignBytes(ns Namespace, timestampMs int64) []byte {
	return new(canonicalBuilder).str("store").str(ns.signString()).int64(timestampMs).bytes()
}

func retrieveSignBytes(ns Namespace, timestampMs int64) []byte {
	return new(canonicalBuilder).str("retrieve").str(ns.signString()).int64(timestampMs).bytes()
}

func deleteSignBytes(hashes []string) []byte {
	return new(canonicalBuilder).str("delete").strs(hashes).bytes()
}

func deleteAllSignBytes(ns Namespace, timestampMs int64) []byte {
	return new(canonicalBuilder).str("delete_all").str(ns.signString()).int64(timestampMs).bytes()
}

func deleteBeforeSignBytes(ns NamespaceSelector, beforeMs int64) []byte {
	return new(canonicalBuilder).str("delete_before").str(ns.signString()).int64(beforeMs).bytes()
}

// ExpireMode selects whether an expire request may only shorten, only
// extend, or freely set a message's expiry.
type ExpireMode int

const (
	// ExpireModeSet applies expiryMs unconditionally.
	ExpireModeSet ExpireMode = iota
	// ExpireModeShorten applies expiryMs only if it is earlier than the
	// message's current expiry.
	ExpireModeShorten
	// ExpireModeExtend applies expiryMs only if it is later than the
	// message's current expiry.
	ExpireModeExtend
)

func (m ExpireMode) signString() string {
	switch m {
	case ExpireModeShorten:
		return "shorten"
	case ExpireModeExtend:
		return "extend"
	default:
		return ""
	}
}

func expireSignBytes(mode ExpireMode, expiryMs int64, hashes []string) []byte {
	return new(canonicalBuilder).str("expire").str(mode.signString()).int64(expiryMs).strs(hashes).bytes()
}

func expireAllSignBytes(ns NamespaceSelector, expiryMs int64) []byte {
	return new(canonicalBuilder).str("expire_all").str(ns.signString()).int64(expiryMs).bytes()
}

func getExpiriesSignBytes(timestampMs int64, hashes []string) []byte {
	return new(canonicalBuilder).str("get_expiries").int64(timestampMs).strs(hashes).bytes()
}

func revokeSubkeySignBytes(subkey []byte) []byte {
	return new(canonicalBuilder).str("revoke_subkey").str(string(subkey)).bytes()
}

// deleteVerifyBytes reconstructs the string a node's "delete" response
// signature covers.
func deleteVerifyBytes(userX25519Hex string, requestedHashes, deleted []string) []byte {
	return new(canonicalBuilder).str(userX25519Hex).strs(requestedHashes).strs(deleted).bytes()
}

func deleteAllVerifyBytes(userX25519Hex string, timestampMs int64, deleted []string) []byte {
	return new(canonicalBuilder).str(userX25519Hex).int64(timestampMs).strs(deleted).bytes()
}

func deleteBeforeVerifyBytes(userX25519Hex string, beforeMs int64, deleted []string) []byte {
	return new(canonicalBuilder).str(userX25519Hex).int64(beforeMs).strs(deleted).bytes()
}

// expireVerifyBytes reconstructs the string an "expire" response signature
// covers: applied expiry, the requested hashes, the updated hashes sorted
// lexicographically, then each unchanged hash with its current expiry,
// itself ordered by hash.
func expireVerifyBytes(userX25519Hex string, appliedExpiryMs int64, requestedHashes, updated []string, unchanged map[string]int64) []byte {
	sortedUpdated := append([]string(nil), updated...)
	sort.Strings(sortedUpdated)

	unchangedHashes := make([]string, 0, len(unchanged))
	for hash := range unchanged {
		unchangedHashes = append(unchangedHashes, hash)
	}
	sort.Strings(unchangedHashes)

	b := new(canonicalBuilder).str(userX25519Hex).int64(appliedExpiryMs).strs(requestedHashes).strs(sortedUpdated)
	for _, hash := range unchangedHashes {
		b.str(hash).int64(unchanged[hash])
	}
	return b.bytes()
}

func expireAllVerifyBytes(userX25519Hex string, expiryMs int64, updated []string) []byte {
	return new(canonicalBuilder).str(userX25519Hex).int64(expiryMs).strs(updated).bytes()
}

func revokeSubkeyVerifyBytes(userX25519Hex string, subkey []byte) []byte {
	return new(canonicalBuilder).str(userX25519Hex).str(string(subkey)).bytes()
}

// flattenByNamespace flattens a per-namespace mapping into a single slice
// in lexicographic order of namespace key, for endpoints whose response
// may report deleted/updated hashes grouped by namespace instead of flat.
func flattenByNamespace(byNamespace map[string][]string) []string {
	keys := make([]string, 0, len(byNamespace))
	for k := range byNamespace {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var flat []string
	for _, k := range keys {
		flat = append(flat, byNamespace[k]...)
	}
	return flat
}
