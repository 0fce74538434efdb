package loadbalance

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mini-hub/registry"
)

// ConsistentHashBalancer maps affinity keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// so a user reconnecting after a drop lands on the server that already
// knows about them.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int
	fallback RoundRobinBalancer // used when the key is empty

	mu    sync.Mutex
	sig   string                              // address set the ring was built from
	ring  []uint32                            // sorted hash values on the ring
	nodes map[uint32]registry.ServiceInstance // hash value → instance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick finds the instance responsible for key. The ring is rebuilt whenever
// the set of instance addresses differs from the previous call. An empty key
// falls back to round robin.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	if key == "" {
		return b.fallback.Pick(instances, key)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.sig && b.nodes != nil {
		return
	}

	b.sig = sig
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(inst.Addr + "#" + strconv.Itoa(i)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
