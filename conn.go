// Package streamsocket implements a length-prefixed, multiplexed binary protocol
// over TCP and other byte-stream transports.
// Each connection carries four logical channels (manager, command, data and
// message) with optional per-pack compression. A Server keeps the roster of
// connections and relays data and message packs through a Radio, which archives
// the data stream and fans frames out to many peers.
package streamsocket

import (
	"context"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when running a connection that was already closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// Status is the lifecycle state of a Conn. It only ever moves forward.
type Status int32

const (
	// StatusInit is a connection that has not been run yet.
	StatusInit Status = iota
	// StatusRunning is a connection reading from its transport.
	StatusRunning
	// StatusClosed is a connection that was closed, killed or lost its transport.
	StatusClosed
	// StatusDestroyed is a connection whose decoder and handlers were released.
	StatusDestroyed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusRunning:
		return "running"
	case StatusClosed:
		return "closed"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Default configuration values.
const (
	defaultReadBufferSize = 32 * 1024
	defaultLingerTimeout  = 5 * time.Second
)

// Conn is one peer of the protocol. It owns the transport and a StreamDecoder,
// splits decoded frames into the four logical channels and writes outgoing
// frames in order.
//
// Handlers run on the connection's Loop. Send methods may be called from any
// goroutine.
type Conn struct {
	rawConn net.Conn
	addr    string
	logger  Logger
	opts    options

	loop     *Loop
	ownLoop  bool
	loopOnce sync.Once

	// loop-only state
	decoder      *StreamDecoder
	closeEmitted bool

	status atomic.Int32
	out    *outbox
}

// NewConn wraps transport. The connection does not read until Run is called.
func NewConn(transport net.Conn, opt ...Option) *Conn {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	c := &Conn{
		rawConn: transport,
		logger:  opts.logger,
		opts:    opts,
		loop:    opts.loop,
		out:     newOutbox(),
	}
	if c.loop == nil {
		c.loop = NewLoop()
		c.ownLoop = true
	}
	if addr := transport.RemoteAddr(); addr != nil {
		c.addr = addr.String()
	}

	c.decoder = NewStreamDecoder(opts.compressor, opts.logger, c.dispatch)
	c.decoder.maxBodySize = frameLimit(opts.maxFrameSize)
	c.decoder.onError = func(err error) {
		c.logger.Warn("killing connection after protocol error", "addr", c.addr, "error", err)
		c.Kill()
	}
	c.decoder.onDrop = opts.metrics.frameDropped
	c.status.Store(int32(StatusInit))
	return c
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.compressor == nil {
		opts.compressor = NewQCompressor()
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}
	if opts.maxFrameSize < 0 {
		opts.maxFrameSize = 0
	}
	if opts.lingerTimeout <= 0 {
		opts.lingerTimeout = defaultLingerTimeout
	}
	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}
}

// frameLimit converts a max frame size to the decoder's bound. Sizes past what
// the length prefix can declare are clamped instead of wrapping to unlimited.
func frameLimit(size int) uint32 {
	if size <= 0 {
		return 0
	}
	if uint64(size) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(size)
}

// Run pipes the transport into the decoder and drains outgoing frames until the
// transport is closed or ctx is canceled. It blocks; Start runs it in the background.
func (c *Conn) Run(ctx context.Context) error {
	if !c.status.CompareAndSwap(int32(StatusInit), int32(StatusRunning)) {
		return ErrConnectionClosed
	}
	c.logger.Info("connection established", "addr", c.addr)

	c.startLoop(context.WithoutCancel(ctx))

	group, child := errgroup.WithContext(ctx)
	stop := context.AfterFunc(child, func() {
		c.out.abort(c.complete)
		_ = c.rawConn.Close()
	})
	defer stop()

	group.Go(func() error {
		return c.readLoop()
	})

	group.Go(func() error {
		return c.writeLoop()
	})

	err := group.Wait()
	_ = c.rawConn.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.addr, "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.addr)
	}

	c.loop.Post(c.onTransportClose)
	return err
}

// startLoop runs a private loop once. Close and Kill start it too, so
// completions and the close handler run even if Run never does.
func (c *Conn) startLoop(ctx context.Context) {
	if !c.ownLoop {
		return
	}
	c.loopOnce.Do(func() {
		go func() {
			_ = c.loop.Run(ctx)
		}()
	})
}

// Start runs the connection in a new goroutine.
func (c *Conn) Start(ctx context.Context) {
	go func() {
		_ = c.Run(ctx)
	}()
}

// readLoop copies transport bytes into the loop. Read errors are logged; either
// way the transport is finished and pending output is flushed.
func (c *Conn) readLoop() error {
	defer c.out.end()

	buf := make([]byte, c.opts.readBufferSize)
	for {
		// the linger deadline of a graceful close takes over once closed
		idle := c.opts.idleTimeout > 0 && c.Status() == StatusRunning
		if idle {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		n, err := c.rawConn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.opts.metrics.bytesIn(n)
			c.loop.Post(func() {
				c.consume(chunk)
			})
		}
		if err != nil {
			var netErr net.Error
			switch {
			case idle && errors.As(err, &netErr) && netErr.Timeout():
				c.logger.Info("connection idle, closing", "addr", c.addr, "idle_timeout", c.opts.idleTimeout)
			case !isClosedErr(err):
				c.logger.Error("error with socket", "addr", c.addr, "error", err)
			}
			return nil
		}
	}
}

// writeLoop writes queued frames in order and half-closes the transport once the
// outbox has been ended and drained.
func (c *Conn) writeLoop() error {
	for {
		items, state := c.out.take()
		for _, item := range items {
			if _, err := c.rawConn.Write(item.data); err != nil {
				c.logger.Debug("write error", "addr", c.addr, "error", err)
			} else {
				c.opts.metrics.bytesOut(len(item.data))
			}
			c.complete(item.done)
		}

		switch {
		case state == outboxAborted:
			return nil
		case state == outboxEnded && len(items) == 0:
			c.halfClose()
			return nil
		case len(items) > 0:
			continue
		}

		<-c.out.wake
	}
}

// halfClose signals end of output and gives the peer lingerTimeout to finish.
func (c *Conn) halfClose() {
	cw, ok := c.rawConn.(closeWriter)
	if !ok {
		cw, ok = baseConn(c.rawConn).(closeWriter)
	}
	if !ok {
		_ = c.rawConn.Close()
		return
	}
	if err := cw.CloseWrite(); err != nil {
		_ = c.rawConn.Close()
		return
	}
	_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.lingerTimeout))
}

// consume feeds the decoder; when the per-call frame cap was hit the rest is
// decoded on a later pass instead of waiting for more input.
func (c *Conn) consume(chunk []byte) {
	if c.decoder == nil {
		return
	}
	if c.decoder.Consume(chunk) {
		c.loop.Post(func() {
			c.consume(nil)
		})
	}
}

// dispatch routes one decoded frame to exactly one channel handler.
func (c *Conn) dispatch(f Frame) {
	c.opts.metrics.frameIn(f.Type)

	switch f.Type {
	case PackManager:
		if c.opts.onManager != nil {
			c.opts.onManager(f.Payload)
		}
	case PackCommand:
		if c.opts.onCommand != nil {
			c.opts.onCommand(f.Payload)
		}
	case PackData:
		if c.opts.onData != nil {
			c.opts.onData(f.Raw)
		}
	case PackMessage:
		if c.opts.onMessage != nil {
			c.opts.onMessage(f.Raw)
		}
	default:
		c.logger.Warn("unknown pack type", "addr", c.addr, "pack_type", uint8(f.Type))
	}
}

// SendRaw queues data for writing as is. done, if not nil, is always called once
// on the connection's loop, whether or not the write succeeded.
func (c *Conn) SendRaw(data []byte, done func()) {
	if !c.out.push(pendingWrite{data: data, done: done}) {
		c.complete(done)
	}
}

// SendFrame length-prefixes body and queues it.
func (c *Conn) SendFrame(body []byte, done func()) {
	c.SendRaw(EncodeFrame(body), done)
}

// SendManagerPack sends a compressed manager pack.
func (c *Conn) SendManagerPack(data []byte, done func()) {
	c.sendPack(data, PackManager, done)
}

// SendCommandPack sends a compressed command pack.
func (c *Conn) SendCommandPack(data []byte, done func()) {
	c.sendPack(data, PackCommand, done)
}

// SendDataPack sends a compressed data pack.
func (c *Conn) SendDataPack(data []byte, done func()) {
	c.sendPack(data, PackData, done)
}

// SendMessagePack sends a compressed message pack.
func (c *Conn) SendMessagePack(data []byte, done func()) {
	c.sendPack(data, PackMessage, done)
}

func (c *Conn) sendPack(data []byte, t PackType, done func()) {
	body, err := BuildPack(c.opts.compressor, data, true, t)
	if err != nil {
		c.logger.Error("build pack failed", "addr", c.addr, "pack_type", t, "error", err)
		c.complete(done)
		return
	}
	c.SendFrame(body, done)
}

// complete runs done on the loop, or inline if the loop is gone.
func (c *Conn) complete(done func()) {
	if done == nil {
		return
	}
	if !c.loop.Post(done) {
		done()
	}
}

// Close ends output gracefully: queued frames are flushed, then the write side
// of the transport is shut. The close handler runs on a later loop pass.
// Safe to call multiple times.
func (c *Conn) Close() {
	c.out.end()
	if Status(c.status.Load()) == StatusInit {
		_ = c.rawConn.Close()
	}
	c.advance(StatusClosed)
	c.startLoop(context.Background())
	c.queueClose()
}

// Kill tears the transport down immediately, dropping queued frames.
// The close handler runs on a later loop pass. Safe to call multiple times.
func (c *Conn) Kill() {
	c.startLoop(context.Background())
	c.out.abort(c.complete)
	_ = c.rawConn.Close()
	c.advance(StatusClosed)
	c.queueClose()
}

// Destroy releases the decoder and detaches every handler. It does not wait
// for in-flight writes. Safe to call multiple times.
func (c *Conn) Destroy() {
	c.advance(StatusDestroyed)
	c.loop.Post(func() {
		if c.decoder != nil {
			c.decoder.Cleanup()
			c.decoder = nil
		}
		c.opts.onManager = nil
		c.opts.onCommand = nil
		c.opts.onData = nil
		c.opts.onMessage = nil
		c.opts.onClose = nil
	})
}

// onTransportClose runs on the loop once the transport is finished.
func (c *Conn) onTransportClose() {
	if c.decoder != nil {
		c.decoder.Cleanup()
		c.decoder = nil
	}
	c.advance(StatusClosed)
	c.queueClose()
}

// queueClose schedules the close handler for the next loop pass. The handler
// runs at most once per connection.
func (c *Conn) queueClose() {
	c.loop.Post(func() {
		if c.closeEmitted {
			return
		}
		c.closeEmitted = true
		if cb := c.opts.onClose; cb != nil {
			cb()
		}
		if c.ownLoop {
			c.loop.Post(c.loop.Stop)
		}
	})
}

// advance moves the status forward to s; it never moves it back.
func (c *Conn) advance(s Status) {
	for {
		cur := c.status.Load()
		if Status(cur) >= s {
			return
		}
		if c.status.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	return Status(c.status.Load())
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// RemoteAddr returns the remote address captured when the connection was
// created, or an empty string if the transport did not report one.
func (c *Conn) RemoteAddr() string {
	return c.addr
}

type closeWriter interface {
	CloseWrite() error
}

// baseConn unwraps transports that expose the connection they wrap through
// NetConn, like *tls.Conn, down to the innermost one.
func baseConn(c net.Conn) net.Conn {
	for {
		w, ok := c.(interface{ NetConn() net.Conn })
		if !ok {
			return c
		}
		inner := w.NetConn()
		if inner == nil {
			return c
		}
		c = inner
	}
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// outbox is the unbounded write queue of a Conn. Sends never block and are never
// refused because the peer is slow.
type outbox struct {
	mu    sync.Mutex
	items []pendingWrite
	state outboxState
	wake  chan struct{}
}

type pendingWrite struct {
	data []byte
	done func()
}

type outboxState int

const (
	outboxOpen outboxState = iota
	outboxEnded
	outboxAborted
)

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(w pendingWrite) bool {
	o.mu.Lock()
	if o.state != outboxOpen {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, w)
	o.mu.Unlock()
	o.signal()
	return true
}

func (o *outbox) take() ([]pendingWrite, outboxState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items, o.state
}

// end refuses further writes; queued ones are still written.
func (o *outbox) end() {
	o.mu.Lock()
	if o.state == outboxOpen {
		o.state = outboxEnded
	}
	o.mu.Unlock()
	o.signal()
}

// abort refuses further writes and hands queued ones to complete unwritten.
func (o *outbox) abort(complete func(func())) {
	o.mu.Lock()
	o.state = outboxAborted
	items := o.items
	o.items = nil
	o.mu.Unlock()

	for _, item := range items {
		complete(item.done)
	}
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
