package streamsocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Server accepts connections, keeps them in a roster and relays their data and
// message packs through its Radio.
//
// Handlers and roster bookkeeping run on the server's Loop. The exported
// operations may be called from any goroutine; they enqueue their work on the
// loop and return immediately. After CloseServer every operation is a no-op.
type Server struct {
	listener net.Listener
	logger   Logger
	loop     *Loop
	opts     serverOptions

	connCtx     context.Context
	cancelConns context.CancelFunc

	// loop-only state
	roster []*Conn
	closed bool

	// radioMu guards the radio pointer and signature for readers outside the loop.
	radioMu   sync.Mutex
	radio     Radio
	signature string

	unalive atomic.Bool
}

// serverOptions holds the configuration for a server.
type serverOptions struct {
	archive     string
	archiveSign string
	recovery    bool
	record      bool
	keepAlive   bool

	keepAlivePeriod time.Duration

	logger       Logger
	compressor   Compressor
	metrics      *Metrics
	radioFactory RadioFactory
	connOptions  []Option

	onReady          func(signature string)
	onNewClient      func(c *Conn)
	onClientManager  func(c *Conn, payload []byte)
	onClientCommand  func(c *Conn, payload []byte)
	onClientData     func(c *Conn, raw []byte)
	onClientMessage  func(c *Conn, raw []byte)
	onArchiveCleared func(signature string)
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// ArchiveOption sets the archive file path. Default is DefaultArchivePath.
func ArchiveOption(path string) ServerOption {
	return func(o *serverOptions) {
		o.archive = path
	}
}

// ArchiveSignOption sets the version signature of an archive to resume.
func ArchiveSignOption(signature string) ServerOption {
	return func(o *serverOptions) {
		o.archiveSign = signature
	}
}

// RecoveryOption asks the radio to repair a damaged archive.
func RecoveryOption(recovery bool) ServerOption {
	return func(o *serverOptions) {
		o.recovery = recovery
	}
}

// RecordOption enables or disables the radio entirely. Default is enabled.
func RecordOption(record bool) ServerOption {
	return func(o *serverOptions) {
		o.record = record
	}
}

// KeepAliveOption enables TCP keep-alive probes on accepted connections.
// A zero period keeps the system default. Default is enabled.
func KeepAliveOption(enabled bool, period time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.keepAlive = enabled
		o.keepAlivePeriod = period
	}
}

// ServerCompressorOption sets the codec used for compressed packs.
func ServerCompressorOption(c Compressor) ServerOption {
	return func(o *serverOptions) {
		o.compressor = c
	}
}

// ServerMetricsOption records server and connection metrics into m.
func ServerMetricsOption(m *Metrics) ServerOption {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// RadioFactoryOption replaces the default file-backed radio.
func RadioFactoryOption(f RadioFactory) ServerOption {
	return func(o *serverOptions) {
		o.radioFactory = f
	}
}

// ConnOptions applies opts to every accepted connection. Handler and loop
// options are overridden by the server.
func ConnOptions(opts ...Option) ServerOption {
	return func(o *serverOptions) {
		o.connOptions = append(o.connOptions, opts...)
	}
}

// OnReadyOption sets the handler invoked once the server is usable. It receives
// the archive signature, empty when recording is disabled.
func OnReadyOption(cb func(signature string)) ServerOption {
	return func(o *serverOptions) {
		o.onReady = cb
	}
}

// OnNewClientOption sets the handler invoked after a connection is wired.
func OnNewClientOption(cb func(c *Conn)) ServerOption {
	return func(o *serverOptions) {
		o.onNewClient = cb
	}
}

// OnClientManagerOption sets the handler for manager packs of any client.
func OnClientManagerOption(cb func(c *Conn, payload []byte)) ServerOption {
	return func(o *serverOptions) {
		o.onClientManager = cb
	}
}

// OnClientCommandOption sets the handler for command packs of any client.
func OnClientCommandOption(cb func(c *Conn, payload []byte)) ServerOption {
	return func(o *serverOptions) {
		o.onClientCommand = cb
	}
}

// OnClientDataOption sets the handler for data packs of any client.
func OnClientDataOption(cb func(c *Conn, raw []byte)) ServerOption {
	return func(o *serverOptions) {
		o.onClientData = cb
	}
}

// OnClientMessageOption sets the handler for message packs of any client.
func OnClientMessageOption(cb func(c *Conn, raw []byte)) ServerOption {
	return func(o *serverOptions) {
		o.onClientMessage = cb
	}
}

// OnArchiveClearedOption sets the handler invoked after PruneArchive with the
// new archive signature.
func OnArchiveClearedOption(cb func(signature string)) ServerOption {
	return func(o *serverOptions) {
		o.onArchiveCleared = cb
	}
}

// New creates a new server bound to the specified address.
// Returns an error if the address cannot be bound or the radio cannot be opened.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s, err := NewWithListener(listener, opts...)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	return s, nil
}

// NewWithListener creates a server accepting from ln.
func NewWithListener(ln net.Listener, opts ...ServerOption) (*Server, error) {
	o := serverOptions{
		archive:      DefaultArchivePath,
		record:       true,
		keepAlive:    true,
		radioFactory: OpenFileRadio,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if o.compressor == nil {
		o.compressor = NewQCompressor()
	}

	s := &Server{
		listener: ln,
		logger:   o.logger,
		loop:     NewLoop(),
		opts:     o,
	}
	s.connCtx, s.cancelConns = context.WithCancel(context.Background())

	if o.record {
		radio, err := o.radioFactory(RadioConfig{
			Path:      o.archive,
			Signature: o.archiveSign,
			Recovery:  o.recovery,
			Logger:    o.logger,
		})
		if err != nil {
			s.cancelConns()
			return nil, errors.Wrap(err, "open radio")
		}
		s.radio = radio
		s.signature = radio.VersionSignature()
	}

	signature := s.signature
	s.loop.Post(func() {
		if cb := s.opts.onReady; cb != nil {
			cb(signature)
		}
	})
	return s, nil
}

// Serve runs the server loop and accepts connections until ctx is canceled.
// Connections still open at that point are killed and the radio is released.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	group, child := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.loop.Run(child)
	})
	group.Go(func() error {
		return s.acceptLoop(child)
	})

	err := group.Wait()
	s.shutdown()
	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.listener.Close()
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.unalive.Load() {
				// CloseServer stopped accepting; existing clients are still served.
				return nil
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		s.Accept(conn)
	}
}

// Accept hands an established transport to the server. Serve calls it for every
// TCP connection; other transports, such as websockets, can be handed in directly.
func (s *Server) Accept(transport net.Conn) {
	if s.unalive.Load() {
		_ = transport.Close()
		return
	}

	if tcp, ok := baseConn(transport).(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(s.opts.keepAlive)
		if s.opts.keepAlive && s.opts.keepAlivePeriod > 0 {
			_ = tcp.SetKeepAlivePeriod(s.opts.keepAlivePeriod)
		}
		_ = tcp.SetNoDelay(true)
	}

	if !s.loop.Post(func() { s.wire(transport) }) {
		_ = transport.Close()
	}
}

// wire wraps transport in a Conn and adds it to the roster.
func (s *Server) wire(transport net.Conn) {
	select {
	case <-s.loop.Done():
		// drained after Serve stopped; nothing would serve the conn
		_ = transport.Close()
		return
	default:
	}
	if s.closed {
		_ = transport.Close()
		return
	}

	var c *Conn
	opts := make([]Option, 0, len(s.opts.connOptions)+9)
	opts = append(opts, s.opts.connOptions...)
	opts = append(opts,
		LoopOption(s.loop),
		LoggerOption(s.logger),
		CompressorOption(s.opts.compressor),
		MetricsOption(s.opts.metrics),
		OnManagerOption(func(payload []byte) {
			if cb := s.opts.onClientManager; cb != nil {
				cb(c, payload)
			}
		}),
		OnCommandOption(func(payload []byte) {
			if cb := s.opts.onClientCommand; cb != nil {
				cb(c, payload)
			}
		}),
		OnDataOption(func(raw []byte) {
			if cb := s.opts.onClientData; cb != nil {
				cb(c, raw)
			}
			if s.radio != nil {
				s.opts.metrics.archive()
				s.radio.Write(raw)
			}
		}),
		OnMessageOption(func(raw []byte) {
			if cb := s.opts.onClientMessage; cb != nil {
				cb(c, raw)
			}
			if s.radio != nil {
				s.radio.Send(raw)
			}
		}),
		OnCloseOption(func() {
			s.remove(c)
		}),
	)

	c = NewConn(transport, opts...)
	s.roster = append(s.roster, c)
	s.opts.metrics.connOpened()
	c.Start(s.connCtx)

	s.loop.Post(func() {
		if cb := s.opts.onNewClient; cb != nil {
			cb(c)
		}
	})
}

// remove drops c from the roster. The position is looked up again here, since
// the roster may have changed since c was added.
func (s *Server) remove(c *Conn) {
	for i, member := range s.roster {
		if member == c {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			s.opts.metrics.connClosed()
			break
		}
	}
	if s.radio != nil {
		s.radio.RemoveClient(c)
	}
	c.Destroy()
}

// SendDataTo compresses data into a pack of type t and sends it to c. Members of
// the radio get it through the radio so it stays ordered with their fan-out.
func (s *Server) SendDataTo(c *Conn, data []byte, t PackType) {
	if s.unalive.Load() {
		return
	}
	s.loop.Post(func() {
		if s.closed {
			return
		}
		body, err := BuildPack(s.opts.compressor, data, true, t)
		if err != nil {
			s.logger.Error("build pack failed", "addr", c.RemoteAddr(), "pack_type", t, "error", err)
			return
		}
		if s.radio != nil && s.radio.IsClientInRadio(c) {
			s.radio.SingleSend(EncodeFrame(body), c)
			return
		}
		c.SendFrame(body, nil)
	})
}

// BroadcastData compresses and frames data once and fans the frame out through
// the radio. Without a radio the same bytes are written to every connection.
func (s *Server) BroadcastData(data []byte, t PackType) {
	if s.unalive.Load() {
		return
	}
	s.loop.Post(func() {
		if s.closed {
			return
		}
		body, err := BuildPack(s.opts.compressor, data, true, t)
		if err != nil {
			s.logger.Error("build pack failed", "pack_type", t, "error", err)
			return
		}
		frame := EncodeFrame(body)
		s.opts.metrics.broadcast()

		if s.radio != nil {
			s.radio.Send(frame)
			return
		}
		for _, c := range s.roster {
			c.SendRaw(frame, nil)
		}
	})
}

// Kick closes c gracefully.
func (s *Server) Kick(c *Conn) {
	if s.unalive.Load() {
		return
	}
	c.Close()
}

// PruneArchive empties the archive. The archive-cleared handler then receives
// the new signature.
func (s *Server) PruneArchive() {
	if s.unalive.Load() {
		return
	}
	s.loop.Post(func() {
		if s.closed || s.radio == nil {
			return
		}
		radio := s.radio
		radio.Prune(func() {
			signature := radio.VersionSignature()
			s.radioMu.Lock()
			s.signature = signature
			s.radioMu.Unlock()

			s.loop.Post(func() {
				if cb := s.opts.onArchiveCleared; cb != nil {
					cb(signature)
				}
			})
		})
	})
}

// ArchiveLength returns the number of archived bytes, or 0 without a radio.
func (s *Server) ArchiveLength() int64 {
	s.radioMu.Lock()
	radio := s.radio
	s.radioMu.Unlock()

	if radio == nil {
		return 0
	}
	return radio.DataLength()
}

// ArchiveSignature returns the current archive version signature.
func (s *Server) ArchiveSignature() string {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()
	return s.signature
}

// JoinRadio attaches c to the radio: archived bytes [start, end) are replayed to
// it, and with end <= 0 it also receives the live fan-out.
func (s *Server) JoinRadio(c *Conn, start, end int64) {
	if s.unalive.Load() {
		return
	}
	s.loop.Post(func() {
		if s.closed {
			return
		}
		if s.radio == nil {
			s.logger.Warn("join radio without recording", "addr", c.RemoteAddr())
			return
		}
		s.radio.AddClient(c, start, end)
	})
}

// CloseServer stops accepting connections and releases the radio, deleting its
// archive if deleteArchive is set. Connections already accepted stay open until
// they close or Serve returns. Safe to call multiple times.
func (s *Server) CloseServer(deleteArchive bool) error {
	if s.unalive.Swap(true) {
		return nil
	}

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	release := func() {
		s.closed = true
		s.releaseRadio(deleteArchive)
	}
	if !s.loop.Post(release) {
		release()
	}
	return err
}

func (s *Server) releaseRadio(deleteArchive bool) {
	s.radioMu.Lock()
	radio := s.radio
	s.radio = nil
	s.radioMu.Unlock()

	if radio == nil {
		return
	}
	if deleteArchive {
		if err := radio.RemoveFile(); err != nil {
			s.logger.Error("remove archive failed", "error", err)
		}
	}
	if err := radio.Cleanup(); err != nil {
		s.logger.Error("radio cleanup failed", "error", err)
	}
}

// shutdown runs after the loop has stopped.
func (s *Server) shutdown() {
	s.unalive.Store(true)
	s.cancelConns()
	_ = s.listener.Close()
	s.closed = true
	s.roster = nil
	s.releaseRadio(false)
}

// Do runs fn on the server loop. Use it to call Clients from outside a handler.
func (s *Server) Do(fn func()) bool {
	return s.loop.Post(fn)
}

// Clients returns a copy of the roster in accept order. It must be called on the
// server loop: from a handler or inside Do.
func (s *Server) Clients() []*Conn {
	clients := make([]*Conn, len(s.roster))
	copy(clients, s.roster)
	return clients
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
