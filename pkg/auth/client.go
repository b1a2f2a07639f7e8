package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/xbitsmaster/lwsip/pkg/sip"
)

// Authorization holds one digest challenge plus the credentials needed
// to answer it. Only MD5 is supported; qop=auth is honored, auth-int is
// out of scope.
type Authorization struct {
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       string
	username  string
	password  string
	uri       string
	response  string
	method    string
	nc        string
	cnonce    string
	other     map[string]string
}

var authParamRe = regexp.MustCompile(`([\w]+)=("([^"]+)"|([\w\-.@]+))`)

// AuthFromValue parses the value of a WWW-Authenticate or
// Proxy-Authenticate header.
func AuthFromValue(value string) *Authorization {
	auth := &Authorization{
		algorithm: "MD5",
		other:     make(map[string]string),
	}
	for _, match := range authParamRe.FindAllStringSubmatch(value, -1) {
		content := strings.Replace(match[2], "\"", "", -1)
		switch match[1] {
		case "realm":
			auth.realm = content
		case "algorithm":
			auth.algorithm = content
		case "nonce":
			auth.nonce = content
		case "opaque":
			auth.opaque = content
		case "qop":
			// pick plain auth out of "auth,auth-int"
			for _, q := range strings.Split(content, ",") {
				if strings.TrimSpace(q) == "auth" {
					auth.qop = "auth"
				}
			}
		default:
			auth.other[match[1]] = content
		}
	}
	return auth
}

func (auth *Authorization) Realm() string { return auth.realm }
func (auth *Authorization) Nonce() string { return auth.nonce }

func (auth *Authorization) SetUsername(username string) *Authorization {
	auth.username = username
	return auth
}

func (auth *Authorization) SetPassword(password string) *Authorization {
	auth.password = password
	return auth
}

func (auth *Authorization) SetUri(uri string) *Authorization {
	auth.uri = uri
	return auth
}

func (auth *Authorization) SetMethod(method string) *Authorization {
	auth.method = method
	return auth
}

// CalcResponse computes the digest response per RFC 2617:
// HA1 = MD5(user:realm:pwd), HA2 = MD5(method:uri),
// response = MD5(HA1:nonce:HA2) or, with qop=auth,
// MD5(HA1:nonce:nc:cnonce:qop:HA2).
func (auth *Authorization) CalcResponse() *Authorization {
	ha1 := md5Hex(auth.username + ":" + auth.realm + ":" + auth.password)
	ha2 := md5Hex(auth.method + ":" + auth.uri)
	if auth.qop == "auth" {
		auth.nc = "00000001"
		auth.cnonce = randomHex(8)
		auth.response = md5Hex(ha1 + ":" + auth.nonce + ":" + auth.nc +
			":" + auth.cnonce + ":" + auth.qop + ":" + ha2)
	} else {
		auth.response = md5Hex(ha1 + ":" + auth.nonce + ":" + ha2)
	}
	return auth
}

func (auth *Authorization) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=%s`,
		auth.username, auth.realm, auth.nonce, auth.uri, auth.response, auth.algorithm)
	if auth.qop == "auth" {
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce="%s"`, auth.nc, auth.cnonce)
	}
	if auth.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, auth.opaque)
	}
	return b.String()
}

// AuthorizeRequest answers a 401/407 challenge in place: it computes the
// digest, sets the Authorization (or Proxy-Authorization) header, bumps
// CSeq and refreshes the branch so the retry is a new transaction.
func AuthorizeRequest(request *sip.Request, response *sip.Response, user, password string) error {
	if user == "" {
		return fmt.Errorf("authorize request: no username")
	}

	var challengeName, answerName string
	if response.StatusCode() == 401 {
		challengeName = "WWW-Authenticate"
		answerName = "Authorization"
	} else {
		challengeName = "Proxy-Authenticate"
		answerName = "Proxy-Authorization"
	}

	hdrs := response.Headers(challengeName)
	if len(hdrs) == 0 {
		return fmt.Errorf("authorize request: header %q not found in response", challengeName)
	}
	challenge := hdrs[0].(*sip.GenericHeader)

	auth := AuthFromValue(challenge.Contents).
		SetMethod(string(request.Method())).
		SetUri(request.Recipient().String()).
		SetUsername(user).
		SetPassword(password)
	auth.CalcResponse()

	request.RemoveHeader(answerName)
	request.AppendHeader(&sip.GenericHeader{
		HeaderName: answerName,
		Contents:   auth.String(),
	})

	if viaHop, ok := request.ViaHop(); ok {
		viaHop.Params.Add("branch", sip.GenerateBranch())
	}
	if cseq, ok := request.CSeq(); ok {
		cseq.SeqNo++
	}
	return nil
}

// ClientAuthorizer retries a challenged request once with stored
// credentials.
type ClientAuthorizer struct {
	user     string
	password string
}

func NewClientAuthorizer(user, password string) *ClientAuthorizer {
	return &ClientAuthorizer{user: user, password: password}
}

func (auth *ClientAuthorizer) AuthorizeRequest(request *sip.Request, response *sip.Response) error {
	return AuthorizeRequest(request, response, auth.user, auth.password)
}

func md5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

func randomHex(size int) string {
	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bytes)
}
