package filesource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/flowgate/runtime"
)

func TestDir_ReadAndGlob(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "flow-a.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "flow-b.yaml"), []byte(`name: b`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte(`x`), 0o644))

	d := NewDir(root, runtime.DiscardLogger())

	data, err := d.Read("flow-b.yaml")
	require.NoError(t, err)
	assert.Equal(t, "name: b", string(data))

	names, err := d.Glob("flow-*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"flow-a.json", "flow-b.yaml"}, names)

	assert.True(t, d.Exists("flow-a.json"))
	assert.False(t, d.Exists("flow-z.json"))
}

func TestDir_RejectsEscapingPaths(t *testing.T) {
	d := NewDir(t.TempDir(), runtime.DiscardLogger())

	_, err := d.Read("../etc/passwd")
	assert.Error(t, err)
	assert.False(t, d.Exists("../../x"))
}

func TestDir_WatchNotifiesSubscribers(t *testing.T) {
	root := t.TempDir()
	d := NewDir(root, runtime.DiscardLogger())

	changed := make(chan string, 16)
	d.OnChange(func(name string) {
		select {
		case changed <- name:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Watch(ctx) }()

	// the watcher registers asynchronously; keep writing until an event arrives
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case name := <-changed:
			assert.Equal(t, "flow-x.json", name)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(filepath.Join(root, "flow-x.json"), []byte(`{}`), 0o644))
		case <-deadline:
			t.Fatal("no change notification received")
		}
	}
}
