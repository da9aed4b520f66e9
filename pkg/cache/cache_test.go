package cache

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/capture-client/pkg/capture"
)

func entry(id, app string, ts time.Time) capture.Entry {
	return capture.Entry{ID: id, AppID: app, Timestamp: ts}
}

func TestUpsertEvictsOldest(t *testing.T) {
	c := New(2)
	base := time.Now()

	c.Upsert(entry("a", "x", base))
	c.Upsert(entry("b", "x", base.Add(time.Second)))
	evicted := c.Upsert(entry("c", "x", base.Add(2*time.Second))) // should evict "a"

	got := c.List()
	require.Len(t, got, 2, "expected 2 entries after overflow")
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestBoundAndOrderHoldForRandomPushes(t *testing.T) {
	c := New(0)
	rng := rand.New(rand.NewSource(1))
	base := time.Now()

	for i := range 500 {
		id := fmt.Sprintf("e%d", rng.Intn(40))
		c.Upsert(entry(id, "x", base.Add(time.Duration(rng.Intn(10_000))*time.Millisecond)))

		got := c.List()
		require.LessOrEqual(t, len(got), DefaultMaxEntries, "push %d", i)
		for j := 1; j < len(got); j++ {
			require.False(t, got[j].Timestamp.After(got[j-1].Timestamp), "push %d: not sorted", i)
		}
	}
}

func TestUpsertReplacesSameID(t *testing.T) {
	c := New(10)
	base := time.Now()
	c.Upsert(entry("a", "x", base))
	c.Upsert(entry("b", "x", base.Add(time.Second)))
	c.Upsert(entry("a", "x", base.Add(2*time.Second)))

	got := c.List()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "refreshed entry moves to the front")
}

func TestUpdateOnlyWhenPresent(t *testing.T) {
	c := New(10)
	assert.False(t, c.Update(entry("missing", "x", time.Now())))

	e := entry("a", "x", time.Now())
	c.Upsert(e)
	e.AppendScreenshot("img", time.Now())
	require.True(t, c.Update(e))

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Len(t, got.Screenshots, 1)
}

func TestReplaceForAppAndRemove(t *testing.T) {
	c := New(3)
	base := time.Now()
	var in []capture.Entry
	for i := range 5 {
		app := "x"
		if i%2 == 1 {
			app = "y"
		}
		in = append(in, entry(fmt.Sprintf("e%d", i), app, base.Add(time.Duration(i)*time.Second)))
	}
	c.Replace(in)

	got := c.List()
	require.Len(t, got, 3)
	assert.Equal(t, "e4", got[0].ID)
	assert.Len(t, c.ForApp("x"), 2)
	assert.Len(t, c.ForApp("y"), 1)

	assert.True(t, c.Remove("e4"))
	assert.False(t, c.Remove("e4"))
	assert.Equal(t, 2, c.Len())
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	c := New(10)
	var seen [][]capture.Entry
	c.Subscribe(func(s []capture.Entry) { seen = append(seen, s) })

	c.Upsert(entry("a", "x", time.Now()))
	c.Update(entry("a", "x", time.Now()))
	c.Remove("a")
	c.Clear()

	require.Len(t, seen, 4)
	assert.Len(t, seen[0], 1)
	assert.Empty(t, seen[3])
}

func TestListReturnsCopies(t *testing.T) {
	c := New(10)
	e := entry("a", "x", time.Now())
	e.AppendScreenshot("img", time.Now())
	c.Upsert(e)

	got := c.List()
	got[0].Screenshots[0].Data = "changed"
	again, _ := c.Get("a")
	assert.Equal(t, "img", again.Screenshots[0].Data)
}
