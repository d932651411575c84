package identity

// Keyed is implemented by domain objects which carry a stable string identity.
// Equality and lookup go through the key alone.
type Keyed interface {
	Key() string
}

// Map is an insertion-ordered identity map: InsertOrGet returns the entry
// already stored under the key if present, otherwise stores the argument.
// Iteration via Keys/Values follows insertion order.
type Map[V Keyed] struct {
	order []string
	items map[string]V
}

func NewMap[V Keyed]() *Map[V] {
	return &Map[V]{items: make(map[string]V)}
}

// InsertOrGet returns the existing value stored under v's key, inserting and
// returning v itself if the key is new.
func (m *Map[V]) InsertOrGet(v V) V {
	k := v.Key()
	if existing, ok := m.items[k]; ok {
		return existing
	}
	m.items[k] = v
	m.order = append(m.order, k)
	return v
}

// Replace deletes any entry stored under v's key and inserts v, which takes a
// fresh insertion-order slot.
func (m *Map[V]) Replace(v V) {
	k := v.Key()
	if _, ok := m.items[k]; ok {
		m.remove(k)
	}
	m.items[k] = v
	m.order = append(m.order, k)
}

func (m *Map[V]) Get(key string) (V, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *Map[V]) Delete(key string) {
	if _, ok := m.items[key]; ok {
		m.remove(key)
	}
}

func (m *Map[V]) remove(key string) {
	delete(m.items, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Map[V]) Len() int {
	return len(m.order)
}

func (m *Map[V]) Keys() []string {
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	return keys
}

func (m *Map[V]) Values() []V {
	values := make([]V, 0, len(m.order))
	for _, k := range m.order {
		values = append(values, m.items[k])
	}
	return values
}
