package identity

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/atproto-tools/oauth-client-go/syntax"
)

// DIDDocument is the raw identity document returned by DID resolution.
type DIDDocument struct {
	DID                syntax.DID              `json:"id"`
	AlsoKnownAs        []string                `json:"alsoKnownAs,omitempty"`
	VerificationMethod []DocVerificationMethod `json:"verificationMethod,omitempty"`
	Service            []DocService            `json:"service,omitempty"`
}

type DocVerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type DocService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Identity is the verified result of resolving a handle or DID. Constructed
// once per resolution and never mutated; caching happens in the Directory
// layers, not here.
type Identity struct {
	DID syntax.DID

	// Handle is the verified handle for the account, or the special
	// "handle.invalid" value when the document's claimed handle did not
	// resolve back to the DID.
	Handle syntax.Handle

	AlsoKnownAs []string
	Services    []DocService
}

// ParseIdentity builds an Identity view over a resolved DID document. The
// Handle field is left unverified (empty); the Directory implementations fill
// it in after bi-directional validation.
func ParseIdentity(doc *DIDDocument) Identity {
	return Identity{
		DID:         doc.DID,
		AlsoKnownAs: doc.AlsoKnownAs,
		Services:    doc.Service,
	}
}

// DeclaredHandle returns the handle claimed in the document's alsoKnownAs
// list, normalized to lowercase. The claim is not verified; callers must
// resolve the handle back to the same DID before trusting it.
func (i *Identity) DeclaredHandle() (syntax.Handle, error) {
	for _, aka := range i.AlsoKnownAs {
		if strings.HasPrefix(aka, "at://") && len(aka) > len("at://") {
			handle, err := syntax.ParseHandle(aka[5:])
			if err == nil {
				return handle.Normalize(), nil
			}
		}
	}
	return "", ErrHandleNotDeclared
}

// PDSEndpoint returns the URL of the account's personal data server. Exactly
// one matching service entry must be present; zero or multiple entries make
// the identity unusable for this protocol. Any trailing slash is stripped.
func (i *Identity) PDSEndpoint() (string, error) {
	var endpoint string
	count := 0
	for _, svc := range i.Services {
		if strings.HasSuffix(svc.ID, "#atproto_pds") && svc.Type == "AtprotoPersonalDataServer" {
			endpoint = svc.ServiceEndpoint
			count++
		}
	}
	if count == 0 {
		return "", ErrNoPDSEndpoint
	}
	if count > 1 {
		return "", fmt.Errorf("%w: multiple PDS service entries declared", ErrNoPDSEndpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid PDS endpoint URL: %s", ErrNoPDSEndpoint, endpoint)
	}
	return strings.TrimRight(endpoint, "/"), nil
}
