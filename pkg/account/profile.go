package account

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/xbitsmaster/lwsip/pkg/sip"
)

// AuthInfo carries digest credentials for a profile.
type AuthInfo struct {
	AuthUser string
	Realm    string
	Password string
}

// Profile describes a local account: address of record, credentials and
// the default registration interval.
type Profile struct {
	URI         *sip.Uri
	DisplayName string
	AuthInfo    *AuthInfo
	Expires     uint32
	InstanceID  string

	// ContactURI is the reachable address advertised in Contact
	// headers. The stack fills it from the bound transport when empty.
	ContactURI *sip.Uri
}

func NewProfile(uri *sip.Uri, displayName string, authInfo *AuthInfo, expires uint32) *Profile {
	p := &Profile{
		URI:         uri,
		DisplayName: displayName,
		AuthInfo:    authInfo,
		Expires:     expires,
	}
	if uid, err := uuid.NewUUID(); err == nil {
		p.InstanceID = fmt.Sprintf(`"<%s>"`, uid.URN())
	}
	return p
}

// Contact builds the Contact address for outgoing requests.
func (p *Profile) Contact() *sip.Address {
	var cu *sip.Uri
	if p.ContactURI != nil {
		cu = p.ContactURI.Clone()
	} else {
		cu = p.URI.Clone()
	}
	contact := &sip.Address{
		Uri:    cu,
		Params: sip.NewParams(),
	}
	if p.InstanceID != "" {
		contact.Params.Add("+sip.instance", p.InstanceID)
	}
	return contact
}

// RegState is the registration lifecycle state.
type RegState int

const (
	Unregistered RegState = iota
	Registering
	Challenged
	Registered
	Refreshing
	AuthFailed
	RegFailed
)

func (s RegState) String() string {
	switch s {
	case Unregistered:
		return "Unregistered"
	case Registering:
		return "Registering"
	case Challenged:
		return "Challenged"
	case Registered:
		return "Registered"
	case Refreshing:
		return "Refreshing"
	case AuthFailed:
		return "AuthFailed"
	case RegFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RegisterState is the record delivered to RegisterStateHandler on
// every registration transition.
type RegisterState struct {
	Account    *Profile
	State      RegState
	StatusCode sip.StatusCode
	Reason     string
	Expiration uint32
	Response   *sip.Response
}

// RegisterHandler observes registration transitions.
type RegisterHandler func(state RegisterState)
