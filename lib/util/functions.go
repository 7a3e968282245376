package util

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// HashString generates a hash value for a string with a seed.
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution
func HashString(s string, seed uint64) uint64 {
	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// HashStrings hashes several strings as if they were one, separated by a zero
// byte, so ("ab", "c") and ("a", "bc") produce different values.
func HashStrings(seed uint64, parts ...string) uint64 {
	hash := uint64(offset64) ^ seed
	for i, s := range parts {
		if i > 0 {
			hash ^= 0
			hash *= prime64
		}
		for j := 0; j < len(s); j++ {
			hash ^= uint64(s[j])
			hash *= prime64
		}
	}
	return hash
}

// Bucket maps a hash onto [0, n). n must be positive.
func Bucket(hash uint64, n int) int {
	return int(hash % uint64(n))
}
