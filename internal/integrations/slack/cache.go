package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"threadrecall/internal/conversation"

	"github.com/dgraph-io/badger/v4"
)

// MessageCache mirrors fetched channel history on local disk, one key per
// channel, so later fetches only ask Slack for the new tail.
type MessageCache struct {
	db *badger.DB
}

// OpenMessageCache opens (or creates) the cache in dir. An empty dir gives an
// in-memory cache.
func OpenMessageCache(dir string) (*MessageCache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open message cache: %w", err)
	}
	return &MessageCache{db: db}, nil
}

func channelKey(channelID string) []byte {
	return []byte("channel:" + channelID)
}

// Load returns the cached history of a channel and whether any was cached.
func (c *MessageCache) Load(channelID string) ([]conversation.Message, bool, error) {
	var messages []conversation.Message
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(channelKey(channelID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &messages)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached channel %s: %w", channelID, err)
	}
	return messages, true, nil
}

// Save replaces the cached history of a channel.
func (c *MessageCache) Save(channelID string, messages []conversation.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to encode channel %s: %w", channelID, err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(channelKey(channelID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write cached channel %s: %w", channelID, err)
	}
	return nil
}

func (c *MessageCache) Close() error {
	return c.db.Close()
}

// mergeMessages combines cached history with freshly fetched messages.
// Fresh copies win, and the result is in chronological order.
func mergeMessages(cached, fresh []conversation.Message) []conversation.Message {
	byID := make(map[string]int, len(cached)+len(fresh))
	merged := make([]conversation.Message, 0, len(cached)+len(fresh))
	for _, batch := range [][]conversation.Message{cached, fresh} {
		for _, m := range batch {
			if i, ok := byID[m.ID]; ok {
				merged[i] = m
				continue
			}
			byID[m.ID] = len(merged)
			merged = append(merged, m)
		}
	}
	conversation.SortMessages(merged)
	return merged
}
