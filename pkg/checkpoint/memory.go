package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/kaflow-ai/kaflow/pkg/graph"
)

// MemorySaver keeps checkpoints in process memory. Suitable for tests and
// single-instance deployments without durability needs.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
}

func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: map[string][]*Checkpoint{}}
}

func (m *MemorySaver) Put(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoints := m.threads[cp.ThreadID]
	for i, existing := range checkpoints {
		if existing.ID == cp.ID {
			cp.CreatedAt = existing.CreatedAt
			checkpoints[i] = cp
			return nil
		}
	}
	m.threads[cp.ThreadID] = append(checkpoints, cp)
	return nil
}

func (m *MemorySaver) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checkpoints := m.threads[threadID]
	if len(checkpoints) == 0 {
		return nil, nil
	}
	return checkpoints[len(checkpoints)-1], nil
}

func (m *MemorySaver) FlatMessages(ctx context.Context, threadID string, page, size int, desc bool) ([]graph.Message, int, error) {
	latest, _ := m.Latest(ctx, threadID)
	if latest == nil || latest.State == nil {
		return nil, 0, nil
	}

	messages := dedupHumanMessages(latest.State.Messages)
	if desc {
		messages = reverseMessages(messages)
	}

	total := len(messages)
	start, end := paginate(total, page, size)
	return messages[start:end], total, nil
}

func (m *MemorySaver) ThreadList(ctx context.Context, username string, page, size int) ([]ThreadInfo, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var threads []ThreadInfo
	for threadID, checkpoints := range m.threads {
		if len(checkpoints) == 0 {
			continue
		}
		if username != "" && UsernameFromThreadID(threadID) != username {
			continue
		}

		first, last := checkpoints[0], checkpoints[len(checkpoints)-1]
		info := ThreadInfo{
			ThreadID:     threadID,
			Username:     UsernameFromThreadID(threadID),
			ConfigID:     ConfigIDFromThreadID(threadID),
			FirstCreated: first.CreatedAt,
			LastUpdated:  last.UpdatedAt,
		}
		if last.State != nil {
			info.MessageCount = len(last.State.Messages)
			info.FirstMessage = threadPreview(last.State.Messages)
		}
		threads = append(threads, info)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].LastUpdated.After(threads[j].LastUpdated)
	})

	total := len(threads)
	start, end := paginate(total, page, size)
	return threads[start:end], total, nil
}

func (m *MemorySaver) HistoryMessages(ctx context.Context, threadID string, page, size int) ([]HistoryEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checkpoints := m.threads[threadID]
	total := len(checkpoints)
	start, end := paginate(total, page, size)

	entries := make([]HistoryEntry, 0, end-start)
	// Newest first.
	for i := total - 1 - start; i > total-1-end; i-- {
		cp := checkpoints[i]
		entry := HistoryEntry{
			CheckpointID: cp.ID,
			ParentID:     cp.ParentID,
			CreatedAt:    cp.CreatedAt,
		}
		if cp.State != nil {
			entry.Messages = cp.State.Messages
		}
		entries = append(entries, entry)
	}
	return entries, total, nil
}

func (m *MemorySaver) Close(ctx context.Context) error {
	return nil
}
