package registry

type memoryRegistry struct {
	bindings map[string]*ContactBinding
}

// NewMemoryRegistry returns the map-backed store used by in-process
// registrars. Not safe for concurrent use; callers drive it from one
// loop.
func NewMemoryRegistry() Registry {
	return &memoryRegistry{bindings: make(map[string]*ContactBinding)}
}

func (m *memoryRegistry) Upsert(aor string, binding *ContactBinding) error {
	if binding.Expires == 0 {
		delete(m.bindings, aor)
		return nil
	}
	m.bindings[aor] = binding
	return nil
}

func (m *memoryRegistry) Remove(aor string) error {
	delete(m.bindings, aor)
	return nil
}

func (m *memoryRegistry) IsRegistered(aor string) bool {
	_, ok := m.bindings[aor]
	return ok
}

func (m *memoryRegistry) Get(aor string) (*ContactBinding, bool) {
	b, ok := m.bindings[aor]
	return b, ok
}

func (m *memoryRegistry) All() map[string]*ContactBinding {
	out := make(map[string]*ContactBinding, len(m.bindings))
	for k, v := range m.bindings {
		out[k] = v
	}
	return out
}
