package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHandle(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"alice.example.com",
		"ALICE.example.com",
		"8.cn",
		"xn--notarealidn.com",
		"john2.test",
		"name.t--t",
		"a-b.c-d.example",
	}
	for _, raw := range valid {
		_, err := ParseHandle(raw)
		assert.NoError(err, raw)
	}

	invalid := []string{
		"",
		"alice",
		".example.com",
		"alice.example.com.",
		"al ice.example.com",
		"-alice.example.com",
		"alice-.example.com",
		"alice.example.123",
		"did:plc:abc123",
	}
	for _, raw := range invalid {
		_, err := ParseHandle(raw)
		assert.Error(err, raw)
	}
}

func TestHandleNormalize(t *testing.T) {
	assert := assert.New(t)

	h, err := ParseHandle("Alice.Example.COM")
	assert.NoError(err)
	assert.Equal(Handle("alice.example.com"), h.Normalize())
	assert.True(Handle("HANDLE.INVALID").IsInvalidHandle())
	assert.False(Handle("alice.example.com").IsInvalidHandle())
}

func TestHandleAllowedTLD(t *testing.T) {
	assert := assert.New(t)

	assert.True(Handle("alice.example.com").AllowedTLD())
	assert.True(Handle("alice.test").AllowedTLD())
	assert.False(Handle("alice.example").AllowedTLD())
	assert.False(Handle("router.local").AllowedTLD())
	assert.False(Handle("dark.site.onion").AllowedTLD())
}

func TestParseDID(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		"did:web:example.com",
		"did:web:localhost%3A8080",
		"did:method:val:two",
		"did:m:v",
	}
	for _, raw := range valid {
		_, err := ParseDID(raw)
		assert.NoError(err, raw)
	}

	invalid := []string{
		"",
		"did:",
		"did:plc:",
		"DID:plc:abc",
		"did:PLC:abc",
		"did:plc:abc123#frag",
		"alice.example.com",
		"did:plc:abc123:",
	}
	for _, raw := range invalid {
		_, err := ParseDID(raw)
		assert.Error(err, raw)
	}
}

func TestDIDParts(t *testing.T) {
	assert := assert.New(t)

	did, err := ParseDID("did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	assert.NoError(err)
	assert.Equal("plc", did.Method())
	assert.Equal("ewvi7nxzyoun6zhxrhs64oiz", did.Identifier())

	web, err := ParseDID("did:web:pds.example.org")
	assert.NoError(err)
	assert.Equal("web", web.Method())
	assert.Equal("pds.example.org", web.Identifier())
}

func TestParseAtIdentifier(t *testing.T) {
	assert := assert.New(t)

	atid, err := ParseAtIdentifier("alice.example.com")
	assert.NoError(err)
	assert.True(atid.IsHandle())
	assert.False(atid.IsDID())
	_, err = atid.AsDID()
	assert.Error(err)

	atid, err = ParseAtIdentifier("did:plc:abc234")
	assert.NoError(err)
	assert.True(atid.IsDID())
	_, err = atid.AsHandle()
	assert.Error(err)

	_, err = ParseAtIdentifier("did:plc")
	assert.Error(err)
	_, err = ParseAtIdentifier("")
	assert.Error(err)

	assert.Equal(AtIdentifier("alice.example.com"), AtIdentifier("Alice.Example.Com").Normalize())
	assert.Equal(AtIdentifier("did:plc:ABC"), AtIdentifier("did:plc:ABC").Normalize())
}
