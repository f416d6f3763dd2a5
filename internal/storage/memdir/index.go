package memdir

import (
	"math/rand"
	"strings"
)

const (
	maxLevel    = 16
	probability = 0.5
)

type indexNode[V any] struct {
	key     string
	value   V
	forward []*indexNode[V]
}

// index is a skip list ordered by key. Keys built by treeKey place every
// entry right after its ancestors, so a subtree is one contiguous range.
type index[V any] struct {
	head  *indexNode[V]
	level int
	size  int
}

func newIndex[V any]() *index[V] {
	return &index[V]{head: &indexNode[V]{forward: make([]*indexNode[V], maxLevel)}}
}

func randomLevel() int {
	level := 0
	for rand.Float64() < probability && level < maxLevel-1 {
		level++
	}
	return level
}

// findPath returns, per level, the last node whose key is below key.
func (ix *index[V]) findPath(key string) []*indexNode[V] {
	update := make([]*indexNode[V], maxLevel)
	current := ix.head
	for i := ix.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		update[i] = current
	}
	return update
}

// put inserts or replaces the value stored under key.
func (ix *index[V]) put(key string, value V) {
	update := ix.findPath(key)
	if next := update[0].forward[0]; next != nil && next.key == key {
		next.value = value
		return
	}

	level := randomLevel()
	if level > ix.level {
		for i := ix.level + 1; i <= level; i++ {
			update[i] = ix.head
		}
		ix.level = level
	}

	n := &indexNode[V]{key: key, value: value, forward: make([]*indexNode[V], level+1)}
	for i := 0; i <= level; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	ix.size++
}

func (ix *index[V]) get(key string) (V, bool) {
	update := ix.findPath(key)
	if n := update[0].forward[0]; n != nil && n.key == key {
		return n.value, true
	}
	var zero V
	return zero, false
}

func (ix *index[V]) remove(key string) bool {
	update := ix.findPath(key)
	n := update[0].forward[0]
	if n == nil || n.key != key {
		return false
	}
	for i := 0; i <= ix.level; i++ {
		if update[i].forward[i] != n {
			break
		}
		update[i].forward[i] = n.forward[i]
	}
	for ix.level > 0 && ix.head.forward[ix.level] == nil {
		ix.level--
	}
	ix.size--
	return true
}

// scanPrefix calls fn for every key starting with prefix, in key order,
// until fn returns false.
func (ix *index[V]) scanPrefix(prefix string, fn func(key string, value V) bool) {
	n := ix.findPath(prefix)[0].forward[0]
	for ; n != nil && strings.HasPrefix(n.key, prefix); n = n.forward[0] {
		if !fn(n.key, n.value) {
			return
		}
	}
}

func (ix *index[V]) len() int {
	return ix.size
}
