package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/streamsocket"
)

// A small relay: command packs are echoed back to their sender, a manager pack
// "join" replays the archive and subscribes the sender to the live stream, and
// data and message packs are fanned out by the server's radio.
func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:12345")
	if err != nil {
		panic(err)
	}

	var server *streamsocket.Server
	server, err = streamsocket.New(addr,
		streamsocket.ArchiveOption("echo.archive"),
		streamsocket.OnReadyOption(func(signature string) {
			slog.Info("archive ready", "signature", signature)
		}),
		streamsocket.OnNewClientOption(func(c *streamsocket.Conn) {
			slog.Info("add new conn", "addr", c.RemoteAddr())
		}),
		streamsocket.OnClientManagerOption(func(c *streamsocket.Conn, payload []byte) {
			if string(payload) == "join" {
				server.JoinRadio(c, 0, 0)
			}
		}),
		// Echo
		streamsocket.OnClientCommandOption(func(c *streamsocket.Conn, payload []byte) {
			server.SendDataTo(c, payload, streamsocket.PackCommand)
		}),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		if err := server.CloseServer(true); err != nil {
			slog.Error("close server", "error", err)
		}
		cancel()
	}()

	slog.Info("server start", "addr", addr.String())
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
	}
}
