package conversation

// Change is the outcome of comparing current content against the last
// recorded fingerprint.
type Change struct {
	Changed bool
	NewHash string
}

// NeedsUpdate hashes the hydrated conversation and compares it to the stored
// hash. An absent stored hash always counts as changed.
func NeedsUpdate(messages []Message, storedHash string, found bool) Change {
	newHash := HashConversation(messages)
	return Change{
		Changed: !found || storedHash != newHash,
		NewHash: newHash,
	}
}

// DocNeedsUpdate is NeedsUpdate for documents.
func DocNeedsUpdate(doc Doc, storedHash string, found bool) Change {
	newHash := HashDoc(doc)
	return Change{
		Changed: !found || storedHash != newHash,
		NewHash: newHash,
	}
}
