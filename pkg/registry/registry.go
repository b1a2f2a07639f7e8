// Package registry tracks Address-of-Record bindings the way a
// registrar keeps them: one contact per AoR with its granted expiry.
package registry

import (
	"fmt"

	"github.com/xbitsmaster/lwsip/pkg/sip"
)

// ContactBinding is one registered contact.
type ContactBinding struct {
	Contact   *sip.ContactHeader
	Expires   uint32
	Source    string
	UserAgent string
}

// BindingFromRequest extracts the binding a REGISTER asks for.
func BindingFromRequest(req *sip.Request) (*ContactBinding, error) {
	contact, ok := req.Contact()
	if !ok {
		return nil, fmt.Errorf("registry: REGISTER without Contact")
	}
	binding := &ContactBinding{
		Contact: contact.Clone().(*sip.ContactHeader),
		Expires: 3600,
	}
	if expires, ok := req.Expires(); ok {
		binding.Expires = uint32(expires)
	}
	if v, ok := contact.Address.Params.Get("expires"); ok {
		var n uint32
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			binding.Expires = n
		}
	}
	if src := req.Source(); src != nil {
		binding.Source = src.String()
	}
	if hdrs := req.Headers("User-Agent"); len(hdrs) > 0 {
		binding.UserAgent = string(*hdrs[0].(*sip.UserAgentHeader))
	}
	return binding, nil
}

// Registry is the AoR binding store.
type Registry interface {
	Upsert(aor string, binding *ContactBinding) error
	Remove(aor string) error
	IsRegistered(aor string) bool
	Get(aor string) (*ContactBinding, bool)
	All() map[string]*ContactBinding
}
