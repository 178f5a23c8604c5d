package conversation

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"time"
)

// HashMessage fingerprints every field of a message in a fixed order.
// The timestamp is folded in UTC RFC 3339 with millisecond precision so the
// digest does not depend on the local zone or on sub-millisecond noise.
func HashMessage(m Message) string {
	h := sha256.New()

	writeField(h, m.ID)
	writeField(h, m.Content)
	writeField(h, formatTimestamp(m.Timestamp))
	writeField(h, m.Author.ID)
	writeField(h, m.Author.DisplayName)
	if m.ReplyTo != "" {
		h.Write([]byte{'r'})
		writeField(h, m.ReplyTo)
	}
	if m.ChannelID != "" {
		h.Write([]byte{'c'})
		writeField(h, m.ChannelID)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// HashConversation folds member message hashes ordered by timestamp, then id.
// The result is independent of the order of the input slice.
func HashConversation(messages []Message) string {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	SortMessages(sorted)

	h := sha256.New()
	for _, m := range sorted {
		h.Write([]byte(HashMessage(m)))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// HashDoc fingerprints a document.
func HashDoc(d Doc) string {
	h := sha256.New()
	writeField(h, d.ID)
	writeField(h, d.FileName)
	writeField(h, d.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// SortMessages orders messages by timestamp ascending with ties broken by id.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].Timestamp.Before(messages[j].Timestamp)
		}
		return messages[i].ID < messages[j].ID
	})
}

// writeField length-prefixes each value so adjacent fields cannot run together.
func writeField(h hash.Hash, value string) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(value)))
	h.Write(prefix[:])
	h.Write([]byte(value))
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
