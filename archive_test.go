package streamsocket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func openTestRadio(t *testing.T, cfg RadioConfig) *FileRadio {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	r, err := OpenFileRadio(cfg)
	if err != nil {
		t.Fatalf("OpenFileRadio failed: %v", err)
	}
	t.Cleanup(func() { r.Cleanup() })
	return r.(*FileRadio)
}

// startedConn returns a running Conn and the peer end of its transport.
func startedConn(t *testing.T) (*Conn, *bytes.Buffer, func()) {
	t.Helper()
	serverConn, clientConn := createTestTCPPair(t)
	conn := NewConn(serverConn, LoggerOption(NopLogger{}))
	ctx, cancel := context.WithCancel(context.Background())
	conn.Start(ctx)
	waitFor(t, "running", func() bool { return conn.Status() == StatusRunning })

	var got bytes.Buffer
	finish := func() {
		conn.Close()
		if _, err := io.Copy(&got, clientConn); err != nil {
			t.Errorf("read peer: %v", err)
		}
		cancel()
		clientConn.Close()
	}
	return conn, &got, finish
}

func TestFileRadio_NewArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	r := openTestRadio(t, RadioConfig{Path: path})

	if len(r.VersionSignature()) != 2*signatureBytes {
		t.Errorf("signature %q has length %d", r.VersionSignature(), len(r.VersionSignature()))
	}
	if r.DataLength() != 0 {
		t.Errorf("DataLength = %d, want 0", r.DataLength())
	}
	if r.Path() != path {
		t.Errorf("Path = %s, want %s", r.Path(), path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(archiveHeaderLen) {
		t.Errorf("file size = %d, want header only", info.Size())
	}
}

func TestFileRadio_WriteAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	r := openTestRadio(t, RadioConfig{Path: path})

	first := testFrame(t, PackData, "one", false)
	second := testFrame(t, PackData, "two", true)
	r.Write(first)
	r.Write(second)

	if want := int64(len(first) + len(second)); r.DataLength() != want {
		t.Errorf("DataLength = %d, want %d", r.DataLength(), want)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if !bytes.Equal(content[archiveHeaderLen:], append(first, second...)) {
		t.Error("archive body is not the frames as written")
	}
}

func TestFileRadio_ResumeWithSignature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	r, err := OpenFileRadio(RadioConfig{Path: path, Logger: NopLogger{}})
	if err != nil {
		t.Fatalf("OpenFileRadio failed: %v", err)
	}
	frame := testFrame(t, PackData, "kept", false)
	r.Write(frame)
	sig := r.VersionSignature()
	if err = r.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	resumed := openTestRadio(t, RadioConfig{Path: path, Signature: sig})
	if resumed.VersionSignature() != sig {
		t.Errorf("signature = %q, want %q", resumed.VersionSignature(), sig)
	}
	if resumed.DataLength() != int64(len(frame)) {
		t.Errorf("DataLength = %d, want %d", resumed.DataLength(), len(frame))
	}
}

func TestFileRadio_SignatureMismatchStartsOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	r, err := OpenFileRadio(RadioConfig{Path: path, Logger: NopLogger{}})
	if err != nil {
		t.Fatalf("OpenFileRadio failed: %v", err)
	}
	r.Write(testFrame(t, PackData, "dropped", false))
	old := r.VersionSignature()
	_ = r.Cleanup()

	fresh := openTestRadio(t, RadioConfig{Path: path, Signature: "not-the-signature"})
	if fresh.VersionSignature() == old {
		t.Error("signature was reused")
	}
	if fresh.DataLength() != 0 {
		t.Errorf("DataLength = %d, want 0", fresh.DataLength())
	}
}

func writeTornArchive(t *testing.T, path string) (sig string, valid int64) {
	t.Helper()
	r, err := OpenFileRadio(RadioConfig{Path: path, Logger: NopLogger{}})
	if err != nil {
		t.Fatalf("OpenFileRadio failed: %v", err)
	}
	frame := testFrame(t, PackData, "complete", false)
	r.Write(frame)
	sig = r.VersionSignature()
	_ = r.Cleanup()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	if _, err = f.Write([]byte{0, 0, 0, 9, 0x04, 'x'}); err != nil {
		t.Fatalf("append torn frame: %v", err)
	}
	return sig, int64(len(frame))
}

func TestFileRadio_DamagedWithoutRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	sig, _ := writeTornArchive(t, path)

	_, err := OpenFileRadio(RadioConfig{Path: path, Signature: sig, Logger: NopLogger{}})
	if !errors.Is(err, ErrArchiveDamaged) {
		t.Errorf("expected ErrArchiveDamaged, got %v", err)
	}
}

func TestFileRadio_DamagedWithRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	sig, valid := writeTornArchive(t, path)

	r := openTestRadio(t, RadioConfig{Path: path, Signature: sig, Recovery: true})
	if r.DataLength() != valid {
		t.Errorf("DataLength = %d, want %d", r.DataLength(), valid)
	}
	if r.VersionSignature() != sig {
		t.Error("recovery should keep the signature")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(archiveHeaderLen)+valid {
		t.Errorf("file size = %d, want %d", info.Size(), int64(archiveHeaderLen)+valid)
	}
}

func TestFileRadio_Prune(t *testing.T) {
	r := openTestRadio(t, RadioConfig{Path: filepath.Join(t.TempDir(), "archive")})
	r.Write(testFrame(t, PackData, "gone", false))
	old := r.VersionSignature()

	called := false
	r.Prune(func() { called = true })

	if !called {
		t.Error("done not called")
	}
	if r.DataLength() != 0 {
		t.Errorf("DataLength = %d, want 0", r.DataLength())
	}
	if r.VersionSignature() == old {
		t.Error("signature not rotated")
	}
}

func TestFileRadio_ReplayRange(t *testing.T) {
	r := openTestRadio(t, RadioConfig{Path: filepath.Join(t.TempDir(), "archive")})
	first := testFrame(t, PackData, "first", false)
	second := testFrame(t, PackData, "second", false)
	r.Write(first)
	r.Write(second)

	conn, got, finish := startedConn(t)
	r.AddClient(conn, int64(len(first)), int64(len(first)+len(second)))

	if r.IsClientInRadio(conn) {
		t.Error("bounded replay should not make the client a member")
	}
	r.Write(testFrame(t, PackData, "live", false))

	finish()
	if !bytes.Equal(got.Bytes(), second) {
		t.Errorf("replayed % x, want % x", got.Bytes(), second)
	}
}

func TestFileRadio_LiveMember(t *testing.T) {
	r := openTestRadio(t, RadioConfig{Path: filepath.Join(t.TempDir(), "archive")})
	archived := testFrame(t, PackData, "archived", false)
	r.Write(archived)

	conn, got, finish := startedConn(t)
	r.AddClient(conn, 0, 0)
	if !r.IsClientInRadio(conn) {
		t.Fatal("client should be a member")
	}

	live := testFrame(t, PackData, "live", false)
	message := testFrame(t, PackMessage, "message", false)
	single := testFrame(t, PackCommand, "single", false)
	r.Write(live)
	r.Send(message)
	r.SingleSend(single, conn)

	r.RemoveClient(conn)
	if r.IsClientInRadio(conn) {
		t.Error("client still a member after RemoveClient")
	}
	r.Write(testFrame(t, PackData, "after", false))
	r.SingleSend(single, conn)

	finish()
	var want []byte
	for _, f := range [][]byte{archived, live, message, single} {
		want = append(want, f...)
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("client received % x, want % x", got.Bytes(), want)
	}
}

func TestFileRadio_RemoveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	r := openTestRadio(t, RadioConfig{Path: path})

	if err := r.RemoveFile(); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("archive still exists: %v", err)
	}
	if err := r.RemoveFile(); err != nil {
		t.Errorf("second RemoveFile failed: %v", err)
	}

	r.Write(testFrame(t, PackData, "ignored", false))
	if r.DataLength() != 0 {
		t.Error("write after RemoveFile was archived")
	}
}

func TestFileRadio_CleanupIdempotent(t *testing.T) {
	r := openTestRadio(t, RadioConfig{Path: filepath.Join(t.TempDir(), "archive")})
	if err := r.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if err := r.Cleanup(); err != nil {
		t.Errorf("second Cleanup failed: %v", err)
	}
}

func TestServer_FileRadioRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	clients := make(chan *Conn, 2)
	s := startServer(t, ArchiveOption(path), OnNewClientOption(func(c *Conn) { clients <- c }))

	producer, _ := dial(t, s, clients)
	frame := testFrame(t, PackData, "recorded", true)
	if _, err := producer.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "archive", func() bool { return s.ArchiveLength() == int64(len(frame)) })

	listener, c := dial(t, s, clients)
	s.JoinRadio(c, 0, 0)

	f := readFrame(t, listener)
	if f.Type != PackData || string(f.Payload) != "recorded" {
		t.Errorf("replayed frame = (%s, %q)", f.Type, f.Payload)
	}
	if !bytes.Equal(f.Raw, frame) {
		t.Error("replayed frame differs from the archived bytes")
	}
}
