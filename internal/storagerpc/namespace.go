package storagerpc

import "strconv"

// Namespace partitions a recipient's message store (e.g. conversation
// messages vs. config data). The default namespace is 0.
type Namespace int

// DefaultNamespace is the unlabeled namespace most messages live in.
const DefaultNamespace Namespace = 0

// signString renders the namespace the way signed byte strings require:
// empty for the default namespace, the decimal value otherwise.
func (n Namespace) signString() string {
	if n == DefaultNamespace {
		return ""
	}
	return strconv.Itoa(int(n))
}

// wireValue returns the JSON-ready value for the "namespace" request field.
func (n Namespace) wireValue() int { return int(n) }

// NamespaceSelector is either a specific Namespace or the literal "all",
// used by delete_before and expire_all where the caller may target every
// namespace at once.
type NamespaceSelector struct {
	all   bool
	value Namespace
}

// SingleNamespace targets exactly one namespace.
func SingleNamespace(n Namespace) NamespaceSelector {
	return NamespaceSelector{value: n}
}

// AllNamespaces targets every namespace.
func AllNamespaces() NamespaceSelector {
	return NamespaceSelector{all: true}
}

func (s NamespaceSelector) signString() string {
	if s.all {
		return "all"
	}
	return s.value.signString()
}

// wireValue returns the JSON-ready value for the "namespace" request
// field: the string "all", or the namespace's integer.
func (s NamespaceSelector) wireValue() any {
	if s.all {
		return "all"
	}
	return int(s.value)
}
