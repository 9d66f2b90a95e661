package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	p := Parse("/users/u1/posts/")
	assert.Equal(t, "users/u1/posts", p.Path())
	assert.Equal(t, []string{"users", "u1", "posts"}, p.Keys())
	assert.Equal(t, "posts", p.Key())
	assert.Equal(t, "users/u1", p.Parent())
	assert.False(t, p.HasWildcards())

	root := Parse("")
	assert.Equal(t, "", root.Key())
	assert.Empty(t, root.Keys())
}

func TestWildcards(t *testing.T) {
	p := Parse("users/*/posts")
	assert.True(t, p.HasWildcards())
	assert.Equal(t, 1, p.WildcardCount())

	assert.True(t, p.Matches("users/u1/posts"))
	assert.False(t, p.Matches("users/u1/likes"))
	assert.False(t, p.Matches("users/u1"))

	assert.Equal(t, []string{"u1"}, p.WildcardValues("users/u1/posts"))
	assert.Nil(t, p.WildcardValues("groups/g1/posts"))

	assert.Equal(t, "users/u7/posts", p.Fill([]string{"u7"}))
}

func TestIsAncestorOf(t *testing.T) {
	p := Parse("users/*/posts")
	assert.True(t, p.IsAncestorOf("users/u1/posts/p1"))
	assert.False(t, p.IsAncestorOf("users/u1/posts"))
	assert.False(t, p.IsAncestorOf("users/u1"))
}

func TestChildPath(t *testing.T) {
	assert.Equal(t, "songs/s1", ChildPath("songs", "s1"))
	assert.Equal(t, "s1", ChildPath("", "s1"))
	assert.Equal(t, "a/b/c", ChildPath("a/b/", "c"))
}
