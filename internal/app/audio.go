package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileAudio replays a raw PCM file as a capture source, one frame per
// interval, so live transcription can be driven from the command line.
type FileAudio struct {
	path      string
	frameSize int
	interval  time.Duration

	mu      sync.Mutex
	offset  int64
	stop    chan struct{}
	running bool
	done    chan struct{}
}

// NewFileAudio creates a source for path. frameSize bytes are delivered
// every interval.
func NewFileAudio(path string, frameSize int, interval time.Duration) *FileAudio {
	if frameSize <= 0 {
		frameSize = 3200
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &FileAudio{
		path:      path,
		frameSize: frameSize,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Done is closed once the whole file has been delivered
func (f *FileAudio) Done() <-chan struct{} {
	return f.done
}

// Start resumes delivery where the previous Stop left off
func (f *FileAudio) Start(sink func(frame []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open audio: %w", err)
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		file.Close()
		return err
	}

	stop := make(chan struct{})
	f.stop = stop
	f.running = true
	go f.pump(file, sink, stop)
	return nil
}

// Stop pauses delivery
func (f *FileAudio) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	close(f.stop)
	f.running = false
}

func (f *FileAudio) pump(file *os.File, sink func(frame []byte), stop chan struct{}) {
	defer file.Close()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	buf := make([]byte, f.frameSize)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		n, err := io.ReadFull(file, buf)
		if n > 0 {
			f.mu.Lock()
			select {
			case <-stop:
				// stopped mid-read; the next Start rereads this frame
				f.mu.Unlock()
				return
			default:
			}
			f.offset += int64(n)
			f.mu.Unlock()
			sink(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				f.finish(stop)
			}
			return
		}
	}
}

func (f *FileAudio) finish(stop chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop == stop {
		f.running = false
	}
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}
