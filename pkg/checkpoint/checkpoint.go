// Package checkpoint persists execution state per conversation thread so
// threads can be resumed and their history queried.
package checkpoint

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kaflow-ai/kaflow/pkg/graph"
)

// Checkpoint is one persisted execution snapshot within a thread.
type Checkpoint struct {
	ThreadID  string         `json:"thread_id" bson:"thread_id"`
	ID        string         `json:"checkpoint_id" bson:"checkpoint_id"`
	ParentID  string         `json:"parent_checkpoint_id,omitempty" bson:"parent_checkpoint_id,omitempty"`
	State     *graph.State   `json:"checkpoint_data" bson:"checkpoint_data"`
	Metadata  map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Username  string         `json:"username" bson:"username"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updated_at"`
}

// New builds a checkpoint for a thread with a fresh id.
func New(threadID, parentID string, state *graph.State, metadata map[string]any) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		ThreadID:  threadID,
		ID:        uuid.NewString(),
		ParentID:  parentID,
		State:     state,
		Metadata:  metadata,
		Username:  UsernameFromThreadID(threadID),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ThreadInfo summarizes one conversation thread.
type ThreadInfo struct {
	ThreadID     string    `json:"thread_id"`
	Username     string    `json:"username"`
	ConfigID     string    `json:"config_id"`
	FirstMessage string    `json:"first_message"`
	MessageCount int       `json:"message_count"`
	FirstCreated time.Time `json:"first_created"`
	LastUpdated  time.Time `json:"last_updated"`
}

// HistoryEntry is one checkpoint's view of a thread for history queries.
type HistoryEntry struct {
	CheckpointID string          `json:"checkpoint_id"`
	ParentID     string          `json:"parent_checkpoint_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Messages     []graph.Message `json:"messages"`
}

// Saver stores and retrieves checkpoints. Implementations must treat read
// failures as recoverable: log and return empty results rather than erroring.
type Saver interface {
	// Put inserts or updates a checkpoint, keyed by (thread_id, checkpoint_id).
	Put(ctx context.Context, cp *Checkpoint) error

	// Latest returns the most recent checkpoint of a thread, or nil.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// FlatMessages returns the deduplicated messages of the latest
	// checkpoint, paginated. Total counts messages after dedup.
	FlatMessages(ctx context.Context, threadID string, page, size int, desc bool) (messages []graph.Message, total int, err error)

	// ThreadList returns thread summaries, optionally filtered by username,
	// newest activity first.
	ThreadList(ctx context.Context, username string, page, size int) (threads []ThreadInfo, total int, err error)

	// HistoryMessages returns checkpoints of a thread newest first.
	HistoryMessages(ctx context.Context, threadID string, page, size int) (entries []HistoryEntry, total int, err error)

	Close(ctx context.Context) error
}

// UsernameFromThreadID extracts the user prefix of a composed thread id
// ("alice_<uuid>_<config>" yields "alice").
func UsernameFromThreadID(threadID string) string {
	if i := strings.Index(threadID, "_"); i > 0 {
		return threadID[:i]
	}
	return threadID
}

// ConfigIDFromThreadID returns the trailing segment of a composed thread id.
func ConfigIDFromThreadID(threadID string) string {
	if i := strings.LastIndex(threadID, "_"); i >= 0 && i+1 < len(threadID) {
		return threadID[i+1:]
	}
	return ""
}

const previewLimit = 100

// threadPreview returns the first human message, truncated for listings.
func threadPreview(messages []graph.Message) string {
	for i := range messages {
		if messages[i].IsHuman() {
			content := messages[i].Content
			if len(content) > previewLimit {
				return content[:previewLimit] + "..."
			}
			return content
		}
	}
	return ""
}

// dedupHumanMessages drops human messages that embed an earlier human
// message. Agent input assembly wraps the original user text into later
// prompts, which would otherwise show up twice in flat history. Only the
// later, wrapping message is dropped; a new message that happens to be a
// substring of an earlier one is genuine input and stays.
func dedupHumanMessages(messages []graph.Message) []graph.Message {
	result := make([]graph.Message, 0, len(messages))
	var seen []string

	for _, msg := range messages {
		if msg.IsHuman() {
			duplicate := false
			for _, prior := range seen {
				if strings.Contains(msg.Content, prior) {
					duplicate = true
					break
				}
			}
			if duplicate {
				continue
			}
			seen = append(seen, msg.Content)
		}
		result = append(result, msg)
	}
	return result
}

// paginate clamps a 1-based page window onto a total count.
func paginate(total, page, size int) (start, end int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	start = (page - 1) * size
	if start > total {
		start = total
	}
	end = start + size
	if end > total {
		end = total
	}
	return start, end
}

// reverseMessages returns a reversed copy for descending order reads.
func reverseMessages(messages []graph.Message) []graph.Message {
	result := make([]graph.Message, len(messages))
	for i, msg := range messages {
		result[len(messages)-1-i] = msg
	}
	return result
}
