package streamsocket

// DefaultArchivePath is the archive file used when none is configured.
const DefaultArchivePath = "tmp.tmp"

// RadioConfig is what a server hands to its RadioFactory.
type RadioConfig struct {
	// Path of the archive file.
	Path string
	// Signature of an archive to resume. Empty, or not matching the archive on
	// disk, starts a new archive with a fresh signature.
	Signature string
	// Recovery truncates a damaged archive to its last complete frame instead of
	// failing to open it.
	Recovery bool
	Logger   Logger
}

// Radio archives the data stream of a server and fans frames out to the
// connections registered with it. A server owns at most one Radio and is the
// only caller of it; every method except DataLength is called from the server
// loop.
type Radio interface {
	// Write archives a data frame and fans it out to live members.
	Write(frame []byte)
	// Send fans a frame out to live members without archiving it.
	Send(frame []byte)
	// SingleSend writes a frame to one member, ordered with its fan-out traffic.
	SingleSend(frame []byte, c *Conn)
	// IsClientInRadio reports whether c is a live member.
	IsClientInRadio(c *Conn) bool
	// AddClient replays archived bytes [start, end) to c. If end <= 0 the replay
	// runs to the current end of the archive and c becomes a live member.
	AddClient(c *Conn, start, end int64)
	// RemoveClient forgets c.
	RemoveClient(c *Conn)
	// Prune empties the archive, rotates the version signature and then calls done.
	Prune(done func())
	// RemoveFile deletes the backing archive.
	RemoveFile() error
	// Cleanup releases the archive and every member. Safe to call multiple times.
	Cleanup() error
	// DataLength returns the number of archived bytes. Safe for concurrent use.
	DataLength() int64
	// VersionSignature identifies the current archive contents.
	VersionSignature() string
}

// RadioFactory opens the Radio of a server. The Radio is ready when the factory
// returns without error.
type RadioFactory func(cfg RadioConfig) (Radio, error)
