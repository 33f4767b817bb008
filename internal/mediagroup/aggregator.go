package mediagroup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxImages = 5
	DefaultDelay     = 2500 * time.Millisecond
)

// Key identifies one album within one chat.
type Key struct {
	ChatID  int64
	AlbumID string
}

type ImageRef struct {
	FileID    string
	Caption   string
	MessageID int64
}

// Batch is a closed album handed to Submit after the quiet period.
type Batch struct {
	ID     string
	Key    Key
	Images []ImageRef
}

// FirstMessageID returns the message id of the first buffered image, or 0.
func (b Batch) FirstMessageID() int64 {
	if len(b.Images) == 0 {
		return 0
	}
	return b.Images[0].MessageID
}

// Timer is the part of *time.Timer the aggregator needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	MaxImages int
	Delay     time.Duration
	// Submit receives each album once its debounce timer fires.
	Submit func(ctx context.Context, b Batch)
	// NotifyOverflow is called once per album, on the first image past MaxImages.
	NotifyOverflow func(ctx context.Context, key Key, img ImageRef, max int)
	Logger         *slog.Logger
	// Context is passed to Submit. Defaults to context.Background().
	Context context.Context
	// AfterFunc schedules f after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

type pendingAlbum struct {
	images   []ImageRef
	notified bool
	timer    Timer
	gen      uint64
}

// Aggregator buffers album images per Key and submits each album once no new
// image arrived for Delay.
type Aggregator struct {
	opts Options

	mu     sync.Mutex
	albums map[Key]*pendingAlbum
	closed bool
	// gen is shared by all albums and never reset, so a timer armed for a
	// flushed album cannot match the album that later reuses its key.
	gen uint64
}

func New(opts Options) *Aggregator {
	if opts.MaxImages <= 0 {
		opts.MaxImages = DefaultMaxImages
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	return &Aggregator{
		opts:   opts,
		albums: make(map[Key]*pendingAlbum),
	}
}

// Offer buffers img for key and restarts the album's debounce timer. It
// reports whether the image was added; duplicates and images past the cap are
// dropped but still restart the timer.
func (a *Aggregator) Offer(ctx context.Context, key Key, img ImageRef) bool {
	logger := a.opts.Logger

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	album := a.albums[key]
	if album == nil {
		album = &pendingAlbum{}
		a.albums[key] = album
	}

	accepted := false
	notify := false
	switch {
	case containsMessage(album.images, img.MessageID):
		logger.Debug("album_image_duplicate", "chat_id", key.ChatID, "album_id", key.AlbumID, "message_id", img.MessageID)
	case len(album.images) < a.opts.MaxImages:
		album.images = append(album.images, img)
		accepted = true
		logger.Debug("album_image_added", "chat_id", key.ChatID, "album_id", key.AlbumID, "message_id", img.MessageID, "count", len(album.images))
	default:
		logger.Warn("album_image_over_cap", "chat_id", key.ChatID, "album_id", key.AlbumID, "message_id", img.MessageID, "max", a.opts.MaxImages)
		if !album.notified {
			album.notified = true
			notify = true
		}
	}

	a.rearmLocked(key, album)
	a.mu.Unlock()

	if notify && a.opts.NotifyOverflow != nil {
		a.opts.NotifyOverflow(ctx, key, img, a.opts.MaxImages)
	}
	return accepted
}

// rearmLocked cancels the album's timer and schedules a fresh one.
func (a *Aggregator) rearmLocked(key Key, album *pendingAlbum) {
	if album.timer != nil {
		album.timer.Stop()
	}
	a.gen++
	gen := a.gen
	album.gen = gen
	album.timer = a.opts.AfterFunc(a.opts.Delay, func() {
		a.fire(key, gen)
	})
}

func (a *Aggregator) fire(key Key, gen uint64) {
	a.mu.Lock()
	album := a.albums[key]
	if album == nil || album.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.albums, key)
	a.mu.Unlock()

	if len(album.images) == 0 {
		return
	}
	batch := Batch{
		ID:     uuid.NewString(),
		Key:    key,
		Images: album.images,
	}
	a.opts.Logger.Info("album_flush", "chat_id", key.ChatID, "album_id", key.AlbumID, "batch_id", batch.ID, "images", len(batch.Images))
	if a.opts.Submit != nil {
		a.opts.Submit(a.opts.Context, batch)
	}
}

// Has reports whether an album is currently buffered for key.
func (a *Aggregator) Has(key Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.albums[key]
	return ok
}

// Flush drops the album for key without submitting it. A timer that fires
// afterwards is a no-op.
func (a *Aggregator) Flush(key Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	album, ok := a.albums[key]
	if !ok {
		return false
	}
	if album.timer != nil {
		album.timer.Stop()
	}
	delete(a.albums, key)
	return true
}

// FlushChat drops every buffered album of a chat and returns how many.
func (a *Aggregator) FlushChat(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for key, album := range a.albums {
		if key.ChatID != chatID {
			continue
		}
		if album.timer != nil {
			album.timer.Stop()
		}
		delete(a.albums, key)
		n++
	}
	return n
}

func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.albums)
}

// Close stops all timers and drops buffered albums. Later offers are ignored.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, album := range a.albums {
		if album.timer != nil {
			album.timer.Stop()
		}
		delete(a.albums, key)
	}
	a.closed = true
}

func containsMessage(images []ImageRef, messageID int64) bool {
	for _, img := range images {
		if img.MessageID == messageID {
			return true
		}
	}
	return false
}
