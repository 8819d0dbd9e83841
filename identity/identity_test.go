package identity

import (
	"testing"

	"github.com/atproto-tools/oauth-client-go/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc() DIDDocument {
	return DIDDocument{
		DID:         syntax.DID("did:plc:ewvi7nxzyoun6zhxrhs64oiz"),
		AlsoKnownAs: []string{"at://alice.example.com"},
		Service: []DocService{
			{
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: "https://pds.example.org/",
			},
		},
	}
}

func TestPDSEndpoint(t *testing.T) {
	assert := assert.New(t)

	doc := testDoc()
	ident := ParseIdentity(&doc)

	// trailing slash is stripped
	endpoint, err := ident.PDSEndpoint()
	require.NoError(t, err)
	assert.Equal("https://pds.example.org", endpoint)

	declared, err := ident.DeclaredHandle()
	require.NoError(t, err)
	assert.Equal(syntax.Handle("alice.example.com"), declared)
}

func TestPDSEndpointMissing(t *testing.T) {
	assert := assert.New(t)

	doc := testDoc()
	doc.Service = nil
	ident := ParseIdentity(&doc)
	_, err := ident.PDSEndpoint()
	assert.ErrorIs(err, ErrNoPDSEndpoint)

	// a service entry of the wrong type does not count
	doc = testDoc()
	doc.Service[0].Type = "SomethingElse"
	ident = ParseIdentity(&doc)
	_, err = ident.PDSEndpoint()
	assert.ErrorIs(err, ErrNoPDSEndpoint)
}

func TestPDSEndpointDuplicate(t *testing.T) {
	assert := assert.New(t)

	doc := testDoc()
	doc.Service = append(doc.Service, DocService{
		ID:              "did:plc:ewvi7nxzyoun6zhxrhs64oiz#atproto_pds",
		Type:            "AtprotoPersonalDataServer",
		ServiceEndpoint: "https://other.example.org",
	})
	ident := ParseIdentity(&doc)
	_, err := ident.PDSEndpoint()
	assert.ErrorIs(err, ErrNoPDSEndpoint)
}

func TestPDSEndpointInvalidURL(t *testing.T) {
	assert := assert.New(t)

	doc := testDoc()
	doc.Service[0].ServiceEndpoint = "not a url"
	ident := ParseIdentity(&doc)
	_, err := ident.PDSEndpoint()
	assert.ErrorIs(err, ErrNoPDSEndpoint)
}

func TestDeclaredHandle(t *testing.T) {
	assert := assert.New(t)

	doc := testDoc()
	doc.AlsoKnownAs = []string{"https://example.com/profile", "at://UPPER.Example.COM"}
	ident := ParseIdentity(&doc)
	declared, err := ident.DeclaredHandle()
	require.NoError(t, err)
	assert.Equal(syntax.Handle("upper.example.com"), declared)

	doc.AlsoKnownAs = nil
	ident = ParseIdentity(&doc)
	_, err = ident.DeclaredHandle()
	assert.ErrorIs(err, ErrHandleNotDeclared)
}
