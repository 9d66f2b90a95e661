package store

import (
	"context"
	"testing"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetAndGetValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetValue(ctx, "songs/s1", map[string]any{"year": 1999, "title": "one"}))

	v, err := s.GetValue(ctx, "songs/s1", ksuid.Nil)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(1999), m["year"])

	_, err = s.GetValue(ctx, "songs/s2", ksuid.Nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetValue(ctx, "users/u1/posts/p1", map[string]any{"date": 100}))
	require.NoError(t, s.SetValue(ctx, "users/u2/posts/p2", map[string]any{"date": 200}))
	require.NoError(t, s.SetValue(ctx, "songs/s1", map[string]any{"year": 1999}))

	// Root children: two branches.
	var keys []string
	err := s.GetChildren(ctx, "", ChildrenOptions{}, func(c ChildInfo) error {
		keys = append(keys, c.Key)
		assert.Equal(t, TypeBranch, c.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"songs", "users"}, keys)

	// Record-level children carry decoded values.
	var posts []ChildInfo
	err = s.GetChildren(ctx, "users/u1/posts", ChildrenOptions{}, func(c ChildInfo) error {
		posts = append(posts, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "p1", posts[0].Key)
	assert.Equal(t, TypeObject, posts[0].Type)
	assert.Equal(t, float64(100), posts[0].Value.(map[string]any)["date"])
}

func TestGetChildrenKeyFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetValue(ctx, "songs/s1", map[string]any{"year": 1}))
	require.NoError(t, s.SetValue(ctx, "songs/s2", map[string]any{"year": 2}))
	require.NoError(t, s.SetValue(ctx, "songs/s3", map[string]any{"year": 3}))

	var keys []string
	err := s.GetChildren(ctx, "songs", ChildrenOptions{KeyFilter: []string{"s1", "s3"}}, func(c ChildInfo) error {
		keys = append(keys, c.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, keys)
}

func TestChangeEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var events []ChangeEvent
	s.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	require.NoError(t, s.SetValue(ctx, "chats/c1", map[string]any{"members": []any{"a", "b"}}))
	require.NoError(t, s.SetValue(ctx, "chats/c1", map[string]any{"members": []any{"a", "c"}}))
	require.NoError(t, s.SetValue(ctx, "chats/c1", nil))

	require.Len(t, events, 3)
	assert.Nil(t, events[0].OldValue)
	assert.NotNil(t, events[1].OldValue)
	assert.NotNil(t, events[1].NewValue)
	assert.Nil(t, events[2].NewValue)
	assert.Equal(t, "chats/c1", events[2].Path)
}
