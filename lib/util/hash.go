package util

// HashIdent maps a node name to a 32-bit ident using FNV-1a.
// Names given on the command line (e.g. --ident=frontend) are turned into idents this way.
func HashIdent(name string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)

	hash := uint32(offset32)
	for i := 0; i < len(name); i++ {
		hash ^= uint32(name[i])
		hash *= prime32
	}
	return hash
}
