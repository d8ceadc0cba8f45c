package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/streamsocket"
	"github.com/Zereker/streamsocket/internal/wsconn"
)

func sendCmd() *cobra.Command {
	var (
		packType string
		listen   time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <addr> [payload]",
		Short: "Send one pack to a relay",
		Long: `Connect to a relay, send one pack and close. The address is host:port for
TCP or a ws:// URL. Without a payload argument the payload is read from stdin.
With --listen the packs received for that long are printed first.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := parsePackType(packType)
			if err != nil {
				return err
			}

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			} else if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return errors.Wrap(err, "read payload")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			transport, err := dialRelay(ctx, args[0])
			if err != nil {
				return err
			}

			return sendPack(cmd.Context(), transport, pt, payload, listen, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&packType, "type", "t", "message", "Pack type (manager, command, data, message)")
	cmd.Flags().DurationVarP(&listen, "listen", "l", 0, "Print received packs for this long before closing")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Dial timeout")

	return cmd
}

func parsePackType(s string) (streamsocket.PackType, error) {
	for _, pt := range []streamsocket.PackType{
		streamsocket.PackManager,
		streamsocket.PackCommand,
		streamsocket.PackData,
		streamsocket.PackMessage,
	} {
		if strings.EqualFold(s, pt.String()) {
			return pt, nil
		}
	}
	return 0, errors.Errorf("unknown pack type %q", s)
}

func dialRelay(ctx context.Context, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return wsconn.Dial(ctx, addr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}

// sendPack writes one compressed pack on transport and closes it gracefully once
// the pack is flushed.
func sendPack(ctx context.Context, transport net.Conn, pt streamsocket.PackType, payload []byte, listen time.Duration, out io.Writer) error {
	printPack := func(t streamsocket.PackType) func([]byte) {
		return func(p []byte) {
			fmt.Fprintf(out, "%s\t%d bytes\n", t, len(p))
		}
	}

	closed := make(chan struct{})
	conn := streamsocket.NewConn(transport,
		streamsocket.LoggerOption(streamsocket.NopLogger{}),
		streamsocket.OnManagerOption(printPack(streamsocket.PackManager)),
		streamsocket.OnCommandOption(printPack(streamsocket.PackCommand)),
		streamsocket.OnDataOption(printPack(streamsocket.PackData)),
		streamsocket.OnMessageOption(printPack(streamsocket.PackMessage)),
		streamsocket.OnCloseOption(func() { close(closed) }),
	)
	conn.Start(ctx)

	sent := make(chan struct{})
	switch pt {
	case streamsocket.PackManager:
		conn.SendManagerPack(payload, func() { close(sent) })
	case streamsocket.PackCommand:
		conn.SendCommandPack(payload, func() { close(sent) })
	case streamsocket.PackData:
		conn.SendDataPack(payload, func() { close(sent) })
	default:
		conn.SendMessagePack(payload, func() { close(sent) })
	}

	select {
	case <-sent:
	case <-closed:
		return errors.New("connection closed before the pack was sent")
	case <-ctx.Done():
		return ctx.Err()
	}

	if listen > 0 {
		select {
		case <-time.After(listen):
		case <-closed:
			return nil
		case <-ctx.Done():
		}
	}

	conn.Close()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		conn.Kill()
	}
	return nil
}
