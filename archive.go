package streamsocket

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	archiveMagic     = "SSRA"
	archiveVersion   = 1
	signatureBytes   = 16
	replayChunkSize  = 64 * 1024
	archiveFileMode  = 0o644
	archiveHeaderLen = len(archiveMagic) + 2 + 2*signatureBytes
)

// ErrArchiveDamaged is returned when an archive ends with a torn frame and
// recovery was not requested.
var ErrArchiveDamaged = errors.New("archive damaged")

// FileRadio is the default Radio. It appends data frames to a local file laid out
// as a fixed header followed by the frames exactly as they were received:
//
//	magic "SSRA" | version uint8 | signature length uint8 | signature | frames...
type FileRadio struct {
	path   string
	logger Logger

	file      *os.File
	signature string
	length    atomic.Int64

	members []*Conn
}

// OpenFileRadio opens or creates the archive described by cfg. It satisfies
// RadioFactory.
func OpenFileRadio(cfg RadioConfig) (Radio, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultArchivePath
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, archiveFileMode)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}

	r := &FileRadio{path: cfg.Path, logger: cfg.Logger, file: f}
	if err = r.load(cfg.Signature, cfg.Recovery); err != nil {
		_ = f.Close()
		return nil, err
	}

	r.logger.Info("archive ready", "path", r.path, "signature", r.signature, "length", r.length.Load())
	return r, nil
}

// load resumes the archive on disk when it carries the expected signature and
// starts a new one otherwise.
func (r *FileRadio) load(expected string, recovery bool) error {
	stored, err := r.readHeader()
	if err != nil || expected == "" || stored != expected {
		if err == nil && stored != "" && stored != expected {
			r.logger.Info("archive signature mismatch, starting a new archive", "path", r.path, "stored", stored)
		}
		return r.reset()
	}

	r.signature = stored
	valid, damaged, err := r.scan()
	if err != nil {
		return err
	}
	if damaged {
		if !recovery {
			return errors.Wrapf(ErrArchiveDamaged, "%s: torn frame after offset %d", r.path, valid)
		}
		r.logger.Warn("recovering damaged archive", "path", r.path, "valid_length", valid)
		if err = r.file.Truncate(int64(archiveHeaderLen) + valid); err != nil {
			return errors.Wrap(err, "truncate archive")
		}
	}
	r.length.Store(valid)
	return nil
}

func (r *FileRadio) readHeader() (string, error) {
	header := make([]byte, archiveHeaderLen)
	if _, err := r.file.ReadAt(header, 0); err != nil {
		return "", err
	}
	if string(header[:len(archiveMagic)]) != archiveMagic {
		return "", errors.New("bad archive magic")
	}
	if header[len(archiveMagic)] != archiveVersion {
		return "", errors.Errorf("unsupported archive version %d", header[len(archiveMagic)])
	}
	n := int(header[len(archiveMagic)+1])
	sig := header[len(archiveMagic)+2:]
	if n > len(sig) {
		return "", errors.New("bad archive signature length")
	}
	return string(sig[:n]), nil
}

// scan walks the frames after the header and returns the length of the longest
// prefix made of complete frames.
func (r *FileRadio) scan() (valid int64, damaged bool, err error) {
	info, err := r.file.Stat()
	if err != nil {
		return 0, false, errors.Wrap(err, "stat archive")
	}
	total := info.Size() - int64(archiveHeaderLen)

	br := bufio.NewReader(io.NewSectionReader(r.file, int64(archiveHeaderLen), total))
	prefix := make([]byte, LengthPrefixSize)
	for valid < total {
		if _, err = io.ReadFull(br, prefix); err != nil {
			return valid, true, nil
		}
		size := int64(DecodeLength(prefix))
		if valid+LengthPrefixSize+size > total {
			return valid, true, nil
		}
		if _, err = br.Discard(int(size)); err != nil {
			return valid, true, nil
		}
		valid += LengthPrefixSize + size
	}
	return valid, false, nil
}

// reset empties the archive and writes a header with a fresh signature.
func (r *FileRadio) reset() error {
	sig, err := newSignature()
	if err != nil {
		return err
	}
	if err = r.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate archive")
	}

	header := make([]byte, 0, archiveHeaderLen)
	header = append(header, archiveMagic...)
	header = append(header, archiveVersion, byte(len(sig)))
	header = append(header, sig...)
	if _, err = r.file.WriteAt(header, 0); err != nil {
		return errors.Wrap(err, "write archive header")
	}

	r.signature = sig
	r.length.Store(0)
	return nil
}

func newSignature() (string, error) {
	b := make([]byte, signatureBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate signature")
	}
	return hex.EncodeToString(b), nil
}

// Write implements Radio.
func (r *FileRadio) Write(frame []byte) {
	if r.file == nil {
		return
	}
	offset := int64(archiveHeaderLen) + r.length.Load()
	if _, err := r.file.WriteAt(frame, offset); err != nil {
		r.logger.Error("archive write failed", "path", r.path, "error", err)
	} else {
		r.length.Add(int64(len(frame)))
	}
	r.Send(frame)
}

// Send implements Radio.
func (r *FileRadio) Send(frame []byte) {
	for _, c := range r.members {
		c.SendRaw(frame, nil)
	}
}

// SingleSend implements Radio.
func (r *FileRadio) SingleSend(frame []byte, c *Conn) {
	if !r.IsClientInRadio(c) {
		return
	}
	c.SendRaw(frame, nil)
}

// IsClientInRadio implements Radio.
func (r *FileRadio) IsClientInRadio(c *Conn) bool {
	return r.indexOf(c) >= 0
}

func (r *FileRadio) indexOf(c *Conn) int {
	for i, m := range r.members {
		if m == c {
			return i
		}
	}
	return -1
}

// AddClient implements Radio.
func (r *FileRadio) AddClient(c *Conn, start, end int64) {
	if r.file == nil {
		return
	}
	length := r.length.Load()
	live := end <= 0
	if live || end > length {
		end = length
	}
	if start < 0 {
		start = 0
	}

	if start < end {
		if err := r.replay(c, start, end); err != nil {
			r.logger.Error("archive replay failed", "path", r.path, "addr", c.RemoteAddr(), "error", err)
		}
	}

	if live && r.indexOf(c) < 0 {
		r.members = append(r.members, c)
	}
}

func (r *FileRadio) replay(c *Conn, start, end int64) error {
	section := io.NewSectionReader(r.file, int64(archiveHeaderLen)+start, end-start)
	for {
		chunk := make([]byte, replayChunkSize)
		n, err := section.Read(chunk)
		if n > 0 {
			c.SendRaw(chunk[:n], nil)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// RemoveClient implements Radio.
func (r *FileRadio) RemoveClient(c *Conn) {
	if i := r.indexOf(c); i >= 0 {
		r.members = append(r.members[:i], r.members[i+1:]...)
	}
}

// Prune implements Radio.
func (r *FileRadio) Prune(done func()) {
	if r.file == nil {
		return
	}
	if err := r.reset(); err != nil {
		r.logger.Error("archive prune failed", "path", r.path, "error", err)
		return
	}
	r.logger.Info("archive pruned", "path", r.path, "signature", r.signature)
	if done != nil {
		done()
	}
}

// RemoveFile implements Radio.
func (r *FileRadio) RemoveFile() error {
	if err := r.closeFile(); err != nil {
		r.logger.Warn("archive close failed", "path", r.path, "error", err)
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove archive")
	}
	return nil
}

// Cleanup implements Radio.
func (r *FileRadio) Cleanup() error {
	r.members = nil
	return r.closeFile()
}

func (r *FileRadio) closeFile() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DataLength implements Radio.
func (r *FileRadio) DataLength() int64 {
	return r.length.Load()
}

// VersionSignature implements Radio.
func (r *FileRadio) VersionSignature() string {
	return r.signature
}

// Path returns the archive file path.
func (r *FileRadio) Path() string {
	return r.path
}
