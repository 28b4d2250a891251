// Package history defines the chat-history collaborator: numbered chats,
// each an append-only list of user/assistant exchanges.
//
// Three backends implement [Store]: filestore keeps one JSON file per chat,
// redisstore uses go-redis lists and pgstore uses two PostgreSQL tables.
// Writes are last-write-wins.
package history

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned for operations on a chat that does not exist.
	ErrNotFound = errors.New("history: chat not found")

	// ErrInvalidID is returned for chat IDs that are not positive integers.
	ErrInvalidID = errors.New("history: invalid chat id")
)

// TimestampLayout is the format of Entry.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Entry is one stored exchange. Its JSON shape is the on-disk chat format.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	UserQuery  string `json:"user_query"`
	AIResponse string `json:"ai_response"`
}

// NewEntry stamps an exchange with the current local time.
func NewEntry(userQuery, aiResponse string) Entry {
	return Entry{
		Timestamp:  time.Now().Format(TimestampLayout),
		UserQuery:  userQuery,
		AIResponse: aiResponse,
	}
}

// Store persists chats. Implementations must be safe for concurrent use.
type Store interface {
	// Create allocates the next chat ID (highest existing + 1) with an
	// empty history.
	Create(ctx context.Context) (string, error)

	// Exists reports whether chat id exists.
	Exists(ctx context.Context, id string) (bool, error)

	// List returns every chat ID in ascending numeric order.
	List(ctx context.Context) ([]string, error)

	// Append adds e to chat id, creating the chat when missing.
	Append(ctx context.Context, id string, e Entry) error

	// Read returns the entries of chat id, oldest first. A missing chat
	// reads as empty.
	Read(ctx context.Context, id string) ([]Entry, error)

	// Clear deletes every chat.
	Clear(ctx context.Context) error

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// ValidID reports whether id is a positive decimal integer.
func ValidID(id string) bool {
	if id == "" || len(id) > 18 {
		return false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	return err == nil && n > 0 && strconv.FormatInt(n, 10) == id
}

// SortIDs orders ids numerically in place.
func SortIDs(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		x, _ := strconv.ParseInt(a, 10, 64)
		y, _ := strconv.ParseInt(b, 10, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
}

// NextID returns one more than the highest valid ID in ids, or "1".
func NextID(ids []string) string {
	var top int64
	for _, id := range ids {
		if !ValidID(id) {
			continue
		}
		n, _ := strconv.ParseInt(id, 10, 64)
		top = max(top, n)
	}
	return strconv.FormatInt(top+1, 10)
}

// Recent returns the last n entries of es.
func Recent(es []Entry, n int) []Entry {
	if n <= 0 {
		return nil
	}
	if len(es) > n {
		return es[len(es)-n:]
	}
	return es
}
