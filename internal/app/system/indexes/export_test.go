package indexes

// Test-only aliases so the external indexes_test package (which must be
// external to avoid an import cycle through internal/testutil) can reach
// unexported helpers.
type ExistingIndex = existingIndex

var (
	ListIndexes    = listIndexes
	EnsureIndexSet = ensureIndexSet
	KeySig         = keySig
)
