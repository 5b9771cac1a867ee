package loop

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies a file watcher event.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// WatchCallback is invoked with the change type and the watched path.
type WatchCallback func(change ChangeType, path string)

type fileWatch struct {
	id       string
	path     string
	cb       WatchCallback
	exists   bool
	modTime  time.Time
	size     int64
	timerID  string
	stopped  bool
	interval time.Duration
}

// Watch polls the path's mtime on the manager's interval and reports
// create/modify/delete transitions. Returns the watcher id.
func (m *FileManager) Watch(path string, cb WatchCallback) string {
	w := &fileWatch{
		id:       uuid.NewString(),
		path:     path,
		cb:       cb,
		interval: m.interval,
	}
	if info, err := os.Stat(path); err == nil {
		w.exists = true
		w.modTime = info.ModTime()
		w.size = info.Size()
	}
	m.watchers[w.id] = w
	m.armWatch(w)
	return w.id
}

// Unwatch stops a file watcher.
func (m *FileManager) Unwatch(id string) bool {
	w, ok := m.watchers[id]
	if !ok {
		return false
	}
	w.stopped = true
	delete(m.watchers, id)
	m.loop.CancelTimer(w.timerID)
	return true
}

// Watching returns the number of active file watchers.
func (m *FileManager) Watching() int {
	return len(m.watchers)
}

func (m *FileManager) armWatch(w *fileWatch) {
	w.timerID = m.loop.AddTimer(w.interval, func() {
		if w.stopped {
			return
		}
		m.pollWatch(w)
		// The callback may have stopped the watch.
		if !w.stopped {
			m.armWatch(w)
		}
	})
}

func (m *FileManager) pollWatch(w *fileWatch) {
	info, err := os.Stat(w.path)
	switch {
	case err != nil && w.exists:
		w.exists = false
		w.cb(ChangeDeleted, w.path)
	case err == nil && !w.exists:
		w.exists = true
		w.modTime = info.ModTime()
		w.size = info.Size()
		w.cb(ChangeCreated, w.path)
	case err == nil:
		if !info.ModTime().Equal(w.modTime) || info.Size() != w.size {
			w.modTime = info.ModTime()
			w.size = info.Size()
			w.cb(ChangeModified, w.path)
		}
	}
}
