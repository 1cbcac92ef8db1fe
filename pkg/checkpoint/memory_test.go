package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaflow-ai/kaflow/pkg/graph"
)

func stateWithMessages(contents ...string) *graph.State {
	s := graph.NewState("")
	for i, c := range contents {
		if i%2 == 0 {
			s.Messages = append(s.Messages, graph.NewHumanMessage(c))
		} else {
			s.Messages = append(s.Messages, graph.NewAIMessage(c))
		}
	}
	return s
}

func TestMemorySaver_PutAndLatest(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()

	latest, err := saver.Latest(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, latest)

	cp1 := New("alice_t1_flow", "", stateWithMessages("hi", "hello"), nil)
	require.NoError(t, saver.Put(ctx, cp1))

	cp2 := New("alice_t1_flow", cp1.ID, stateWithMessages("hi", "hello", "more", "sure"), nil)
	require.NoError(t, saver.Put(ctx, cp2))

	latest, err = saver.Latest(ctx, "alice_t1_flow")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, cp2.ID, latest.ID)
	assert.Equal(t, cp1.ID, latest.ParentID)
	assert.Equal(t, "alice", latest.Username)
}

func TestMemorySaver_PutUpserts(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()

	cp := New("t1", "", stateWithMessages("v1"), nil)
	require.NoError(t, saver.Put(ctx, cp))

	updated := *cp
	updated.State = stateWithMessages("v1", "v2")
	require.NoError(t, saver.Put(ctx, &updated))

	latest, err := saver.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, latest.State.Messages, 2)

	_, total, err := saver.HistoryMessages(ctx, "t1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestMemorySaver_FlatMessagesDedup(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()

	s := graph.NewState("")
	s.Messages = []graph.Message{
		graph.NewHumanMessage("find cheap flights"),
		graph.NewAIMessage("searching"),
		// Composite agent input embedding the original request.
		graph.NewHumanMessage("**User request**: find cheap flights\n\n**plan**: step one"),
		graph.NewAIMessage("done"),
	}
	require.NoError(t, saver.Put(ctx, New("t1", "", s, nil)))

	messages, total, err := saver.FlatMessages(ctx, "t1", 1, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, messages, 3)
	assert.Equal(t, "find cheap flights", messages[0].Content)
	assert.Equal(t, "searching", messages[1].Content)
	assert.Equal(t, "done", messages[2].Content)
}

func TestMemorySaver_FlatMessagesKeepsNewShorterMessage(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()

	// "status" is a substring of the first question, but it arrived later as
	// its own input and must not be treated as a duplicate.
	s := graph.NewState("")
	s.Messages = []graph.Message{
		graph.NewHumanMessage("please check the deployment status now"),
		graph.NewAIMessage("checking"),
		graph.NewHumanMessage("status"),
		graph.NewAIMessage("all green"),
	}
	require.NoError(t, saver.Put(ctx, New("t1", "", s, nil)))

	messages, total, err := saver.FlatMessages(ctx, "t1", 1, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, messages, 4)
	assert.Equal(t, "status", messages[2].Content)
}

func TestMemorySaver_FlatMessagesPagination(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()

	var contents []string
	for i := 0; i < 10; i++ {
		contents = append(contents, fmt.Sprintf("message %d", i))
	}
	require.NoError(t, saver.Put(ctx, New("t1", "", stateWithMessages(contents...), nil)))

	page1, total, err := saver.FlatMessages(ctx, "t1", 1, 4, false)
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	require.Len(t, page1, 4)
	assert.Equal(t, "message 0", page1[0].Content)

	page3, _, err := saver.FlatMessages(ctx, "t1", 3, 4, false)
	require.NoError(t, err)
	require.Len(t, page3, 2)
	assert.Equal(t, "message 8", page3[0].Content)

	// Out-of-range pages are empty, not an error.
	page9, _, err := saver.FlatMessages(ctx, "t1", 9, 4, false)
	require.NoError(t, err)
	assert.Empty(t, page9)
}

func TestMemorySaver_FlatMessagesDescending(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()
	require.NoError(t, saver.Put(ctx, New("t1", "", stateWithMessages("first", "second", "third"), nil)))

	messages, _, err := saver.FlatMessages(ctx, "t1", 1, 10, true)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "third", messages[0].Content)
	assert.Equal(t, "first", messages[2].Content)
}

func TestMemorySaver_ThreadList(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()

	cpOld := New("alice_1_flow", "", stateWithMessages("old question", "answer"), nil)
	cpOld.CreatedAt = time.Now().Add(-time.Hour)
	cpOld.UpdatedAt = cpOld.CreatedAt
	require.NoError(t, saver.Put(ctx, cpOld))

	require.NoError(t, saver.Put(ctx, New("alice_2_flow", "", stateWithMessages("new question"), nil)))
	require.NoError(t, saver.Put(ctx, New("bob_1_flow", "", stateWithMessages("bob question"), nil)))

	threads, total, err := saver.ThreadList(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, threads, 2)

	// Newest activity first.
	assert.Equal(t, "alice_2_flow", threads[0].ThreadID)
	assert.Equal(t, "alice", threads[0].Username)
	assert.Equal(t, "flow", threads[0].ConfigID)
	assert.Equal(t, "new question", threads[0].FirstMessage)
	assert.Equal(t, 1, threads[0].MessageCount)

	// No filter lists everyone.
	all, total, err := saver.ThreadList(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)
}

func TestMemorySaver_ThreadPreviewTruncation(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()

	long := strings.Repeat("q", 150)
	require.NoError(t, saver.Put(ctx, New("t1", "", stateWithMessages(long), nil)))

	threads, _, err := saver.ThreadList(ctx, "", 1, 10)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, strings.Repeat("q", 100)+"...", threads[0].FirstMessage)
}

func TestMemorySaver_HistoryMessages(t *testing.T) {
	ctx := context.Background()
	saver := NewMemorySaver()

	var ids []string
	parent := ""
	for i := 0; i < 5; i++ {
		cp := New("t1", parent, stateWithMessages(fmt.Sprintf("turn %d", i)), nil)
		require.NoError(t, saver.Put(ctx, cp))
		ids = append(ids, cp.ID)
		parent = cp.ID
	}

	entries, total, err := saver.HistoryMessages(ctx, "t1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, entries, 2)

	// Newest first, with parent chaining intact.
	assert.Equal(t, ids[4], entries[0].CheckpointID)
	assert.Equal(t, ids[3], entries[0].ParentID)
	assert.Equal(t, ids[3], entries[1].CheckpointID)

	page3, _, err := saver.HistoryMessages(ctx, "t1", 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].CheckpointID)
}

func TestUsernameFromThreadID(t *testing.T) {
	assert.Equal(t, "alice", UsernameFromThreadID("alice_uuid_config"))
	assert.Equal(t, "solo", UsernameFromThreadID("solo"))
	assert.Equal(t, "_leading", UsernameFromThreadID("_leading"))
}

func TestConfigIDFromThreadID(t *testing.T) {
	assert.Equal(t, "config", ConfigIDFromThreadID("alice_uuid_config"))
	assert.Equal(t, "", ConfigIDFromThreadID("solo"))
}
