package onion

import "github.com/lanterncore/lantern/internal/snodepool"

// Destination is the target of an onion request: either another service
// node, reached through the final path hop, or an external HTTPS-like
// server reached the same way.
type Destination interface {
	x25519Pub() [32]byte
	routingInfo() routingInfo
	excludeKey() *snodepool.NodeKey
}

// SnodeDestination targets a service node directly — typically the exit
// hop of a storage RPC call to a node outside the path itself.
type SnodeDestination struct {
	Node snodepool.ServiceNode
}

func (d SnodeDestination) x25519Pub() [32]byte { return d.Node.X25519Pub }

func (d SnodeDestination) routingInfo() routingInfo {
	return routingInfo{Type: "snode", IP: d.Node.IP, Port: d.Node.StoragePort}
}

func (d SnodeDestination) excludeKey() *snodepool.NodeKey {
	k := d.Node.Key()
	return &k
}

// ServerDestination targets an external HTTPS-like server (e.g. an open
// group or file server). TargetVersion distinguishes the v3 (JSON) wire
// format from v4 (bencoded).
type ServerDestination struct {
	Host          string
	X25519PubKey  [32]byte
	Scheme        string
	Port          int
	TargetVersion int
}

func (d ServerDestination) x25519Pub() [32]byte { return d.X25519PubKey }

func (d ServerDestination) routingInfo() routingInfo {
	return routingInfo{
		Type:          "server",
		Host:          d.Host,
		Scheme:        d.Scheme,
		Port:          d.Port,
		TargetVersion: d.TargetVersion,
	}
}

func (d ServerDestination) excludeKey() *snodepool.NodeKey { return nil }
