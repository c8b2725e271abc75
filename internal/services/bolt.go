package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MegaGrindStone/relaychat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the conversation store with a BoltDB backend. Conversations are JSON records in
// the conversations bucket; the messages of each conversation live in their own nested bucket
// under the messages bucket, keyed by big-endian index so that a cursor walks them in order.
type BoltDB struct {
	db *bolt.DB
}

var (
	conversationsBucket = []byte("conversations")
	messagesBucket      = []byte("messages")
)

// NewBoltDB opens the database at path, creating the file with 0600 permissions and the top level
// buckets if they don't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(conversationsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

func indexKey(index int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(index))
	return k
}

func getConversation(tx *bolt.Tx, id string) (models.Conversation, error) {
	v := tx.Bucket(conversationsBucket).Get([]byte(id))
	if v == nil {
		return models.Conversation{}, models.ErrNotFound
	}
	var conv models.Conversation
	if err := json.Unmarshal(v, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return conv, nil
}

func putConversation(tx *bolt.Tx, conv models.Conversation) error {
	conv.Messages = nil
	v, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return tx.Bucket(conversationsBucket).Put([]byte(conv.ID), v)
}

func putMessage(b *bolt.Bucket, msg models.Message) error {
	v, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.Put(indexKey(msg.Index), v)
}

// LoadConversation returns the conversation with its messages ordered by index.
func (b BoltDB) LoadConversation(_ context.Context, conversationID, requester string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		conv, err = getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if conv.OwnerID != requester {
			return models.ErrForbidden
		}

		mb := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if mb == nil {
			return nil
		}
		return mb.ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			conv.Messages = append(conv.Messages, msg)
			return nil
		})
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// Conversations returns the conversations of owner, newest first, without their messages.
func (b BoltDB) Conversations(_ context.Context, ownerID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.OwnerID == ownerID {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	return convs, nil
}

// CreateConversation stores a new conversation together with its messages in one transaction.
func (b BoltDB) CreateConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(conversationsBucket).Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("conversation %s already exists", conv.ID)
		}
		if err := putConversation(tx, conv); err != nil {
			return err
		}

		mb, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(conv.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		for _, msg := range conv.Messages {
			msg.ConversationID = conv.ID
			if err := putMessage(mb, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateTitle sets the display title of a conversation.
func (b BoltDB) UpdateTitle(_ context.Context, conversationID, title string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		conv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		conv.Title = title
		return putConversation(tx, conv)
	})
}

// DeleteConversation removes a conversation and all of its messages.
func (b BoltDB) DeleteConversation(_ context.Context, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(conversationsBucket)
		if cb.Get([]byte(conversationID)) == nil {
			return models.ErrNotFound
		}
		if err := cb.Delete([]byte(conversationID)); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}

		mb := tx.Bucket(messagesBucket)
		if mb.Bucket([]byte(conversationID)) == nil {
			return nil
		}
		return mb.DeleteBucket([]byte(conversationID))
	})
}

// SaveMessage inserts or replaces the message at msg.Index. Saving past the end of the
// conversation leaves no gap: the index must be at most the current message count.
func (b BoltDB) SaveMessage(_ context.Context, msg models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := getConversation(tx, msg.ConversationID); err != nil {
			return err
		}

		mb, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		if n := mb.Stats().KeyN; msg.Index > n {
			return fmt.Errorf("message index %d leaves a gap after %d messages", msg.Index, n)
		}
		return putMessage(mb, msg)
	})
}

// DeleteMessagesFrom removes every message whose index is at least index.
func (b BoltDB) DeleteMessagesFrom(_ context.Context, conversationID string, index int) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := getConversation(tx, conversationID); err != nil {
			return err
		}

		mb := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if mb == nil {
			return nil
		}

		c := mb.Cursor()
		for k, _ := c.Seek(indexKey(index)); k != nil; k, _ = c.Seek(indexKey(index)) {
			if err := mb.Delete(k); err != nil {
				return fmt.Errorf("failed to delete message: %w", err)
			}
		}
		return nil
	})
}

// SetStreaming sets the streaming flag of a conversation.
func (b BoltDB) SetStreaming(_ context.Context, conversationID string, streaming bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		conv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		conv.IsStreaming = streaming
		return putConversation(tx, conv)
	})
}

// ClearStreaming resets the streaming flag of every conversation. It is meant to run at startup,
// when no turn can be in flight.
func (b BoltDB) ClearStreaming(_ context.Context) (int, error) {
	cleared := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		var stale []models.Conversation
		err := tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.IsStreaming {
				stale = append(stale, conv)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, conv := range stale {
			conv.IsStreaming = false
			if err := putConversation(tx, conv); err != nil {
				return err
			}
		}
		cleared = len(stale)
		return nil
	})
	return cleared, err
}

// Close closes the database.
func (b BoltDB) Close() error {
	return b.db.Close()
}
