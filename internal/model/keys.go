package model

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ChunkID is the hex SHA-1 digest of a chunk's raw content.
type ChunkID string

// HashContent computes the content address of an article body.
// Equal bytes always map to equal ids; nothing else feeds the hash.
func HashContent(content []byte) ChunkID {
	sum := sha1.Sum(content)
	return ChunkID(hex.EncodeToString(sum[:]))
}

// NormalizeKey returns the canonical form of an entry key: NFC-normalized
// with surrounding whitespace removed. Two keys that render identically
// must collide on the uniqueness constraint.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

// PublicationState selects the published or draft rendering of a chunk.
type PublicationState bool

const (
	Draft     PublicationState = false
	Published PublicationState = true
)

func (p PublicationState) String() string {
	if p {
		return "published"
	}
	return "draft"
}

// CacheKey identifies one derived-cache slot.
type CacheKey string

// DisplayKey is the cache key of the display artifact of chunk id in the
// given publication state. Cross-article links only target published peers
// in the published view, so both states are cached separately.
func DisplayKey(id ChunkID, state PublicationState) CacheKey {
	return CacheKey("display:" + state.String() + ":" + string(id))
}

// DisplayKeys returns the keys of both publication states of a chunk.
func DisplayKeys(id ChunkID) []CacheKey {
	return []CacheKey{DisplayKey(id, Draft), DisplayKey(id, Published)}
}

// Dependee prefixes for the dependency index.
const (
	DependeeLemma        = "lemma:"
	DependeeBibliography = "bibliography:"
)

// LemmaDependee names the dependency on whichever entry currently holds key.
func LemmaDependee(key string) string {
	return DependeeLemma + NormalizeKey(key)
}

// BibliographyDependee names the dependency on an external bibliography item.
func BibliographyDependee(id string) string {
	return DependeeBibliography + strings.TrimSpace(id)
}
