package streamsocket

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	compressor Compressor
	logger     Logger
	metrics    *Metrics
	loop       *Loop

	onManager func(payload []byte)
	onCommand func(payload []byte)
	onData    func(raw []byte)
	onMessage func(raw []byte)
	onClose   func()

	readBufferSize int           // size of a single transport read
	maxFrameSize   int           // maximum declared body length, 0 for unlimited
	lingerTimeout  time.Duration // how long a half-closed conn waits for the peer
	idleTimeout    time.Duration // close after this long without input, 0 to disable
}

// Option is a function that configures connection options.
type Option func(*options)

// CompressorOption sets the codec used for compressed packs.
// Defaults to a QCompressor.
func CompressorOption(c Compressor) Option {
	return func(o *options) {
		o.compressor = c
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// LoopOption runs the connection on an existing loop. Connections of one server
// share the server's loop. Without it, the connection starts a private loop.
func LoopOption(l *Loop) Option {
	return func(o *options) {
		o.loop = l
	}
}

// MetricsOption records connection traffic into m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// ReadBufferSizeOption sets the size of a single read from the transport.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// MaxFrameSizeOption bounds the declared length of incoming frames. A peer that
// exceeds it is killed, since the stream can no longer be resynchronized.
func MaxFrameSizeOption(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// LingerTimeoutOption sets how long a gracefully closed connection waits for the
// peer to finish before the transport is torn down.
func LingerTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.lingerTimeout = d
	}
}

// IdleTimeoutOption closes a running connection that has received nothing for d.
// The close is graceful: queued frames are still flushed. Zero disables it.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// OnManagerOption sets the handler for manager packs. It receives the payload.
func OnManagerOption(cb func(payload []byte)) Option {
	return func(o *options) {
		o.onManager = cb
	}
}

// OnCommandOption sets the handler for command packs. It receives the payload.
func OnCommandOption(cb func(payload []byte)) Option {
	return func(o *options) {
		o.onCommand = cb
	}
}

// OnDataOption sets the handler for data packs. It receives the full reframed
// bytes so they can be relayed as is.
func OnDataOption(cb func(raw []byte)) Option {
	return func(o *options) {
		o.onData = cb
	}
}

// OnMessageOption sets the handler for message packs. It receives the full
// reframed bytes so they can be relayed as is.
func OnMessageOption(cb func(raw []byte)) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnCloseOption sets the handler invoked once the connection is closed.
func OnCloseOption(cb func()) Option {
	return func(o *options) {
		o.onClose = cb
	}
}
