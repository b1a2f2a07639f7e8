package auth

import (
	"regexp"
	"strings"
	"time"

	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

const NonceExpire = 180 * time.Second

type authSession struct {
	nonce   string
	created time.Time
}

// RequestCredentialCallback resolves a username to its password or
// precomputed HA1.
type RequestCredentialCallback func(username string) (password string, ha1 string, err error)

// ServerAuthorizer issues digest challenges and verifies answers. It is
// the registrar-side counterpart of ClientAuthorizer and backs the test
// registrar stub.
type ServerAuthorizer struct {
	sessions          map[string]authSession
	requestCredential RequestCredentialCallback
	realm             string
	clock             timing.Clock

	// NonceFunc overrides nonce generation; fixed nonces make
	// challenge flows reproducible in tests.
	NonceFunc func() string
}

func NewServerAuthorizer(callback RequestCredentialCallback, realm string, clock timing.Clock) *ServerAuthorizer {
	if clock == nil {
		clock = timing.SystemClock()
	}
	return &ServerAuthorizer{
		sessions:          make(map[string]authSession),
		requestCredential: callback,
		realm:             realm,
		clock:             clock,
		NonceFunc:         func() string { return randomHex(8) },
	}
}

// Authenticate checks the Authorization header of request. On success it
// returns the authenticated username. Otherwise it returns the response
// to send: a 401 challenge, or a 4xx for bad credentials.
func (auth *ServerAuthorizer) Authenticate(request *sip.Request) (string, *sip.Response) {
	hdrs := request.Headers("Authorization")
	if len(hdrs) == 0 {
		return "", auth.challenge(request)
	}
	args := parseAuthHeader(hdrs[0].(*sip.GenericHeader).Contents)
	return auth.verify(request, args)
}

func (auth *ServerAuthorizer) challenge(request *sip.Request) *sip.Response {
	cid, ok := request.CallID()
	if !ok {
		return sip.NewResponseFromRequest(request, 400, "Missing Call-ID", "")
	}

	nonce := auth.NonceFunc()
	auth.expireSessions()
	auth.sessions[string(*cid)] = authSession{nonce: nonce, created: auth.clock.Now()}

	response := sip.NewResponseFromRequest(request, 401, "Unauthorized", "")
	response.AppendHeader(&sip.GenericHeader{
		HeaderName: "WWW-Authenticate",
		Contents: `Digest realm="` + auth.realm + `", nonce="` + nonce +
			`", algorithm=MD5, qop="auth"`,
	})
	return response
}

func (auth *ServerAuthorizer) verify(request *sip.Request, args map[string]string) (string, *sip.Response) {
	cid, ok := request.CallID()
	if !ok {
		return "", sip.NewResponseFromRequest(request, 400, "Missing Call-ID", "")
	}
	session, found := auth.sessions[string(*cid)]
	if !found || auth.clock.Now().After(session.created.Add(NonceExpire)) {
		return "", auth.challenge(request)
	}
	if args["nonce"] != session.nonce {
		return "", auth.challenge(request)
	}

	username := args["username"]
	password, ha1, err := auth.requestCredential(username)
	if err != nil {
		return "", sip.NewResponseFromRequest(request, 404, "User Not Found", "")
	}
	if ha1 == "" {
		ha1 = md5Hex(username + ":" + args["realm"] + ":" + password)
	}

	ha2 := md5Hex(string(request.Method()) + ":" + args["uri"])
	var expected string
	if args["qop"] == "auth" {
		expected = md5Hex(ha1 + ":" + session.nonce + ":" + args["nc"] +
			":" + args["cnonce"] + ":auth:" + ha2)
	} else {
		expected = md5Hex(ha1 + ":" + session.nonce + ":" + ha2)
	}

	if expected != args["response"] {
		return "", sip.NewResponseFromRequest(request, 403, "Forbidden (Bad auth)", "")
	}
	return username, nil
}

func (auth *ServerAuthorizer) expireSessions() {
	now := auth.clock.Now()
	for k, v := range auth.sessions {
		if now.After(v.created.Add(NonceExpire)) {
			delete(auth.sessions, k)
		}
	}
}

var serverAuthParamRe = regexp.MustCompile(`([\w]+)=("([^"]+)"|([\w\-.@:/]+))`)

func parseAuthHeader(value string) map[string]string {
	args := make(map[string]string)
	for _, match := range serverAuthParamRe.FindAllStringSubmatch(value, -1) {
		args[match[1]] = strings.Replace(match[2], "\"", "", -1)
	}
	return args
}
