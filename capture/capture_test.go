package capture

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndContent(t *testing.T) {
	c := New(false, nil)
	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), c.Content())
	assert.False(t, c.IsEmpty())
}

func TestNewIsEmpty(t *testing.T) {
	c := New(false, nil)
	assert.True(t, c.IsEmpty())
}

func TestNextCreatesIndependentStream(t *testing.T) {
	parent := New(false, nil)
	child := parent.Next()

	parent.Write([]byte("parent-out"))
	child.Write([]byte("child-out"))

	assert.Equal(t, []byte("parent-out"), parent.Content())
	assert.Equal(t, []byte("child-out"), child.Content())
	assert.False(t, parent.IsEmpty())
}

func TestEchoCopiesToWriter(t *testing.T) {
	var echoed bytes.Buffer
	c := New(true, &echoed)
	_, err := c.Write([]byte("visible"))
	require.NoError(t, err)
	assert.Equal(t, "visible", echoed.String())
	assert.Equal(t, []byte("visible"), c.Content())
}

func TestFlushSingleStreamWritesRawContent(t *testing.T) {
	c := New(false, nil)
	c.Write([]byte("only stream"))

	var out bytes.Buffer
	require.NoError(t, c.Flush(&out))
	assert.Equal(t, "only stream", out.String())
}

func TestFlushMultiStreamLabelsEachProcess(t *testing.T) {
	parent := New(false, nil)
	child := parent.Next()
	parent.Write([]byte("p"))
	child.Write([]byte("c"))

	var out bytes.Buffer
	require.NoError(t, parent.Flush(&out))
	s := out.String()
	assert.Contains(t, s, "process 0 stdout")
	assert.Contains(t, s, "process 1 stdout")
	assert.Contains(t, s, "p")
	assert.Contains(t, s, "c")
}

func TestWriteIsSafeForConcurrentUse(t *testing.T) {
	c := New(false, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Write([]byte("x"))
		}()
	}
	wg.Wait()
	assert.Len(t, c.Content(), 50)
}
