package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHashContent_Deterministic(t *testing.T) {
	a := HashContent([]byte("<entry>abcd</entry>"))
	b := HashContent([]byte("<entry>abcd</entry>"))

	assert.Equal(t, a, b, "equal content must have equal identity")
	assert.Len(t, string(a), 40, "SHA-1 hex is 40 characters")
}

func TestHashContent_ChangesWithContent(t *testing.T) {
	a := HashContent([]byte("<entry>abcd</entry>"))
	b := HashContent([]byte("<entry>abce</entry>"))

	assert.NotEqual(t, a, b)
}

func TestHashContent_KnownDigest(t *testing.T) {
	// sha1("") is a well-known constant.
	assert.Equal(t, ChunkID("da39a3ee5e6b4b0d3255bfef95601890afd80709"), HashContent(nil))
}

func TestNormalizeKey_NFC(t *testing.T) {
	decomposed := "cafe\u0301" // e + combining acute
	composed := "caf\u00e9"

	assert.Equal(t, composed, NormalizeKey(decomposed))
	assert.Equal(t, composed, NormalizeKey("  "+composed+"\n"))
}

func TestDisplayKey_DistinguishesPublicationState(t *testing.T) {
	id := HashContent([]byte("x"))

	draft := DisplayKey(id, Draft)
	pub := DisplayKey(id, Published)

	assert.NotEqual(t, draft, pub)
	assert.Equal(t, CacheKey("display:draft:"+string(id)), draft)
	assert.Equal(t, CacheKey("display:published:"+string(id)), pub)
	assert.ElementsMatch(t, []CacheKey{draft, pub}, DisplayKeys(id))
}

func TestDependees(t *testing.T) {
	assert.Equal(t, "lemma:foo", LemmaDependee(" foo "))
	assert.Equal(t, "bibliography:123", BibliographyDependee("123"))
}

func TestLock_Expirable(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := Lock{EntryID: 1, Holder: "alice", AcquiredAt: t0}
	ttl := 10 * time.Minute

	assert.False(t, l.Expirable(t0.Add(ttl/2), ttl))
	assert.False(t, l.Expirable(t0.Add(ttl), ttl), "exactly TTL is not yet expirable")
	assert.True(t, l.Expirable(t0.Add(ttl+time.Second), ttl))
}

func TestChangeTypes_Valid(t *testing.T) {
	for _, ct := range []ChangeType{ChangeCreate, ChangeUpdate, ChangeRevert, ChangeVersionUpgrade} {
		assert.True(t, ct.Valid(), ct)
	}
	assert.False(t, ChangeType("DELETE").Valid())

	_, err := ParseChangeSubtype("MANUAL")
	assert.NoError(t, err)
	_, err = ParseChangeSubtype("manual")
	assert.Error(t, err)
}

func TestProtocolError_Unwrap(t *testing.T) {
	err := error(&ProtocolError{Op: "release", EntryID: 3, Who: "bob", Err: ErrLockNotHeld})

	assert.ErrorIs(t, err, ErrLockNotHeld)
	assert.True(t, IsProtocolError(err))
	assert.Contains(t, err.Error(), "entry=3")
}
