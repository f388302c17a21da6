package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"github.com/chrisdmacrae/romulator/internal/notify"
	"github.com/chrisdmacrae/romulator/internal/progress"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "follow a running server's queue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080", Usage: "base URL of the server"},
			&cli.BoolFlag{Name: "once", Usage: "print the current snapshot as JSON and exit"},
		},
		Action: runWatch,
	}
}

func runWatch(c *cli.Context) error {
	wsURL, err := eventsURL(c.String("server"))
	if err != nil {
		return invalidArgs(err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(c.Context, wsURL, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("connect %s: %v", wsURL, err), ExitSourceNotAccess)
	}
	defer conn.Close()

	go func() {
		<-c.Context.Done()
		conn.Close()
	}()

	var view notify.View
	printer := progress.NewPrinter(c.App.ErrWriter, "[romulator]")
	for {
		var e notify.Event
		if err := conn.ReadJSON(&e); err != nil {
			if c.Context.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return cli.Exit(fmt.Sprintf("read event: %v", err), ExitGeneralError)
		}
		if !view.Apply(e) {
			continue
		}

		if c.Bool("once") {
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(view.Room)
		}
		switch e.Type {
		case notify.EventRoomUpdate:
			printRoom(c.App.Writer, view)
		case notify.EventFileProgress:
			printer.Print(view.Progress.Sample)
		}
	}
}

func printRoom(w io.Writer, v notify.View) {
	st := v.Room.Stats
	fmt.Fprintf(w, "[romulator] %s | %d queued, %d downloading, %d done, %d failed, %d need resolve, %d corrupted",
		v.Room.Status, st.Available, st.Downloading, st.Success, st.Failed, st.NeedsResolve, st.Corrupted)
	if v.Room.CurrentItemName != "" {
		fmt.Fprintf(w, " | current: %s", v.Room.CurrentItemName)
	}
	fmt.Fprintln(w)
}

// eventsURL turns a server base URL into its websocket endpoint.
func eventsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
