package loop

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FileOpType enumerates the supported file operations.
type FileOpType string

const (
	OpRead   FileOpType = "read"
	OpWrite  FileOpType = "write"
	OpAppend FileOpType = "append"
	OpDelete FileOpType = "delete"
	OpExists FileOpType = "exists"
	OpStat   FileOpType = "stat"
	OpMkdir  FileOpType = "mkdir"
	OpRmdir  FileOpType = "rmdir"
	OpCopy   FileOpType = "copy"
	OpRename FileOpType = "rename"
)

// FileOptions is the closed set of recognized file-op knobs.
type FileOptions struct {
	Offset      int64
	Length      int64
	Flags       int
	CreateDirs  bool
	Mode        fs.FileMode
	Recursive   bool
	Destination string // copy/rename target
}

// StatInfo is the result payload of a stat operation.
type StatInfo struct {
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
	IsDir   bool        `json:"is_dir"`
}

// FileCallback receives the outcome of a file operation. The result is
// []byte for reads, int64 for writes/appends/copies, bool for exists, and
// StatInfo for stat; nil otherwise.
type FileCallback func(err error, result any)

type fileOp struct {
	id        string
	typ       FileOpType
	path      string
	data      []byte
	opts      FileOptions
	cb        FileCallback
	cancelled atomic.Bool
	started   bool
}

type fileCompletion struct {
	op     *fileOp
	err    error
	result any
}

// FileManager schedules file operations for execution on the next tick.
// Syscalls run on offload goroutines; completion callbacks fire on the
// loop goroutine. Every handle is cancellable until its callback runs.
type FileManager struct {
	loop *Loop

	queue       []*fileOp
	inflight    map[string]*fileOp
	completions chan fileCompletion

	watchers map[string]*fileWatch
	interval time.Duration
}

func newFileManager(l *Loop) *FileManager {
	return &FileManager{
		loop:        l,
		inflight:    make(map[string]*fileOp),
		completions: make(chan fileCompletion, 64),
		watchers:    make(map[string]*fileWatch),
		interval:    time.Second,
	}
}

// SetWatchInterval sets the mtime polling interval for file watchers.
func (m *FileManager) SetWatchInterval(d time.Duration) {
	if d > 0 {
		m.interval = d
	}
}

// Schedule enqueues a file operation and returns its opaque id. The
// operation never executes inline with the caller.
func (m *FileManager) Schedule(typ FileOpType, path string, data []byte, opts FileOptions, cb FileCallback) string {
	op := &fileOp{
		id:   uuid.NewString(),
		typ:  typ,
		path: path,
		data: data,
		opts: opts,
		cb:   cb,
	}
	m.queue = append(m.queue, op)
	return op.id
}

// Cancel marks an operation cancelled. The flag is honored before the
// syscall runs and again before the callback fires.
func (m *FileManager) Cancel(id string) bool {
	for i, op := range m.queue {
		if op.id == id {
			op.cancelled.Store(true)
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	if op, ok := m.inflight[id]; ok {
		op.cancelled.Store(true)
		return true
	}
	return false
}

// Pending returns the number of scheduled plus in-flight operations.
func (m *FileManager) Pending() int {
	return len(m.queue) + len(m.inflight)
}

func (m *FileManager) hasCompletions() bool {
	return len(m.completions) > 0
}

// process launches queued operations and dispatches finished ones.
// Returns true if anything ran.
func (m *FileManager) process() bool {
	ran := false

	batch := m.queue
	m.queue = nil
	for _, op := range batch {
		if op.cancelled.Load() {
			continue
		}
		op.started = true
		m.inflight[op.id] = op
		go m.execute(op)
		ran = true
	}

	for {
		select {
		case done := <-m.completions:
			delete(m.inflight, done.op.id)
			if done.op.cancelled.Load() {
				continue
			}
			runCallback("fileop", func() {
				done.op.cb(done.err, done.result)
			})
			ran = true
		default:
			return ran
		}
	}
}

func (m *FileManager) execute(op *fileOp) {
	var (
		result any
		err    error
	)
	if op.cancelled.Load() {
		// Still complete so the inflight entry is reaped.
		m.finish(op, nil, nil)
		return
	}

	switch op.typ {
	case OpRead:
		result, err = readFile(op.path, op.opts)
	case OpWrite:
		result, err = writeFile(op.path, op.data, op.opts)
	case OpAppend:
		result, err = appendFile(op.path, op.data, op.opts)
	case OpDelete:
		err = os.Remove(op.path)
	case OpExists:
		_, statErr := os.Stat(op.path)
		switch {
		case statErr == nil:
			result = true
		case os.IsNotExist(statErr):
			result = false
		default:
			err = statErr
		}
	case OpStat:
		var info os.FileInfo
		info, err = os.Stat(op.path)
		if err == nil {
			result = StatInfo{
				Size:    info.Size(),
				Mode:    info.Mode(),
				ModTime: info.ModTime(),
				IsDir:   info.IsDir(),
			}
		}
	case OpMkdir:
		if op.opts.Recursive {
			err = os.MkdirAll(op.path, dirMode(op.opts))
		} else {
			err = os.Mkdir(op.path, dirMode(op.opts))
		}
	case OpRmdir:
		if op.opts.Recursive {
			err = os.RemoveAll(op.path)
		} else {
			err = os.Remove(op.path)
		}
	case OpCopy:
		result, err = copyFile(op.path, op.opts.Destination)
	case OpRename:
		err = os.Rename(op.path, op.opts.Destination)
	default:
		err = fmt.Errorf("unknown file operation %q", op.typ)
	}

	m.finish(op, err, result)
}

func (m *FileManager) finish(op *fileOp, err error, result any) {
	m.completions <- fileCompletion{op: op, err: err, result: result}
	m.loop.Wakeup()
}

func readFile(path string, opts FileOptions) ([]byte, error) {
	if opts.Offset == 0 && opts.Length == 0 {
		return os.ReadFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	if opts.Length > 0 {
		buf := make([]byte, opts.Length)
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		return buf[:n], err
	}
	return io.ReadAll(f)
}

func writeFile(path string, data []byte, opts FileOptions) (int64, error) {
	if opts.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return 0, err
		}
	}
	flags := opts.Flags
	if flags == 0 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, fileMode(opts))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.Write(data)
	return int64(n), err
}

func appendFile(path string, data []byte, opts FileOptions) (int64, error) {
	if opts.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return 0, err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileMode(opts))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.Write(data)
	return int64(n), err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, in)
}

func fileMode(opts FileOptions) fs.FileMode {
	if opts.Mode != 0 {
		return opts.Mode
	}
	return 0o644
}

func dirMode(opts FileOptions) fs.FileMode {
	if opts.Mode != 0 {
		return opts.Mode
	}
	return 0o755
}
