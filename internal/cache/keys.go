package cache

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// KeyFor derives the cache key for an (entity, owner, context) tuple. It is
// a pure function of its inputs: identical requests always collide on the
// same entry. Filter sets are canonicalized — keys sorted, values unicode
// NFC-normalized and case-folded — so logically identical requests cannot
// fragment across distinct keys.
func KeyFor(entity, ownerID string, filters map[string]string) string {
	var b strings.Builder

	b.WriteString(canonicalize(entity))
	b.WriteByte(':')
	b.WriteString(canonicalize(ownerID))

	if len(filters) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	b.WriteByte(':')

	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}

		b.WriteString(canonicalize(k))
		b.WriteByte('=')
		b.WriteString(canonicalize(filters[k]))
	}

	return b.String()
}

// OwnerPrefix returns the invalidation prefix covering every key an owner
// can produce for an entity type.
func OwnerPrefix(entity, ownerID string) string {
	return canonicalize(entity) + ":" + canonicalize(ownerID)
}

// canonicalize normalizes a key component: NFC unicode normalization,
// lower-casing, and separator escaping. User-entered filter values (place
// names, city names) may arrive in mixed composition forms from different
// devices; without NFC they would hash to different keys.
func canonicalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))

	// Reserve the separator characters used by KeyFor.
	r := strings.NewReplacer(":", "\\:", "|", "\\|", "=", "\\=")

	return r.Replace(s)
}
