package universe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinTracksSizes(t *testing.T) {
	u := New(6)
	assert.Equal(t, 6, u.Num())

	u.AddEdge(0, 1)
	u.AddEdge(1, 2)
	u.AddEdge(4, 5)
	u.AddEdge(2, 0) // already joined

	assert.Equal(t, 3, u.Num())
	assert.Equal(t, u.Find(0), u.Find(2))
	assert.NotEqual(t, u.Find(0), u.Find(4))
	assert.Equal(t, 3, u.Size(u.Find(1)))
	assert.Equal(t, 2, u.Size(u.Find(5)))
	assert.Equal(t, 1, u.Size(u.Find(3)))
}

func TestInitializeResets(t *testing.T) {
	u := New(3)
	u.AddEdge(0, 2)
	u.Initialize()
	assert.Equal(t, 3, u.Num())
	assert.Equal(t, 2, u.Find(2))
	assert.Equal(t, 3, u.Len())
}

func TestLongChainCompresses(t *testing.T) {
	const n = 1000
	u := New(n)
	for i := 1; i < n; i++ {
		u.AddEdge(i-1, i)
	}
	root := u.Find(0)
	assert.Equal(t, n, u.Size(root))
	for i := 0; i < n; i++ {
		assert.Equal(t, root, u.Find(i))
	}
}
