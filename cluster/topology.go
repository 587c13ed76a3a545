// Package cluster bootstraps a chain from a static topology: given the
// directed graph of who may send to whom, it spawns one replica per node,
// injects each one's connection stub restricted to its outgoing edges, and
// returns a client handle bound to the head and the appropriate read
// target(s).
package cluster

import (
	"github.com/arvidk/chainkv/replica"
)

// Variant selects which replication protocol the cluster runs.
type Variant int

const (
	CR Variant = iota
	CRAQ
)

// Topology is the directed graph of who-may-send-to-whom: for every
// replica, the set of replicas it must be able to send a message to. The
// manager does not verify that a given Topology induces a single linear
// chain — spec.md is explicit that this is the caller's responsibility.
type Topology map[replica.Info][]replica.Info

// NewChainTopology builds the Topology for a straight chain over order
// (head first, tail last). For CRAQ, every non-tail replica additionally
// gets a direct edge to the tail, since CRAQ reads may be served by any
// replica and a dirty read must be able to reach the tail for a VERSION
// query regardless of chain position.
func NewChainTopology(order []replica.Info, variant Variant) Topology {
	t := make(Topology, len(order))
	if len(order) == 0 {
		return t
	}
	tail := order[len(order)-1]
	for i, info := range order {
		var outs []replica.Info
		if i < len(order)-1 {
			outs = append(outs, order[i+1])
		}
		if variant == CRAQ && info.Name != tail.Name && (i == len(order)-1 || order[i+1].Name != tail.Name) {
			outs = append(outs, tail)
		}
		t[info] = outs
	}
	return t
}

// edges returns the outgoing peer name->addr map a single replica's
// connection stub should be built from, given this topology.
func (t Topology) edges(info replica.Info) map[string]string {
	peers := make(map[string]string)
	for _, out := range t[info] {
		peers[out.Name] = out.Addr
	}
	return peers
}
