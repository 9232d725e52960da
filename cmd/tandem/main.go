package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/client"
	"github.com/electr1fy0/tandem/internal/logging"
	"github.com/electr1fy0/tandem/internal/protocol"
	"github.com/electr1fy0/tandem/internal/schema"
)

var (
	serverURL    string
	displayName  string
	identityPath string
	verbose      bool
)

func main() {
	root := &cobra.Command{
		Use:          "tandem",
		Short:        "Join a tandem channel from the terminal",
		SilenceUsage: true,
	}
	join := &cobra.Command{
		Use:   "join <channel>",
		Short: "Join a channel and chat; lines starting with / are commands",
		Args:  cobra.ExactArgs(1),
		RunE:  runJoin,
	}
	join.Flags().StringVarP(&serverURL, "server", "s", "ws://localhost:8080/ws", "websocket endpoint")
	join.Flags().StringVarP(&displayName, "name", "n", "", "display name, remembered for next time")
	join.Flags().StringVar(&identityPath, "identity", "", "identity file (default: XDG config dir)")
	join.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection details")
	root.AddCommand(join)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runJoin(cmd *cobra.Command, args []string) error {
	channel := args[0]
	out := cmd.OutOrStdout()

	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logging.New(cmd.ErrOrStderr(), level, logging.FormatConsole)
	if err != nil {
		return err
	}

	if identityPath == "" {
		if identityPath, err = client.DefaultIdentityPath(); err != nil {
			return err
		}
	}
	ids := client.NewIdentityStore(afero.NewOsFs(), identityPath)
	id, err := ids.Load()
	if err != nil {
		return err
	}
	if displayName != "" && displayName != id.DisplayName {
		id.DisplayName = displayName
		if err := ids.Save(id); err != nil {
			return err
		}
	}
	if id.DisplayName == "" {
		return xerrors.New("no display name yet, pass --name")
	}

	reg := schema.Default()
	bus := client.NewBus(reg)
	mirror := client.NewMirror(reg)
	mirror.Attach(bus)
	watch(out, bus, id.UserUUID)

	session, err := client.NewSession(client.Options{
		URL:        serverURL,
		Channel:    channel,
		Identity:   id,
		Identities: ids,
		Bus:        bus,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return session.Run(egCtx)
	})
	// Stdin reads cannot be cancelled, so the reader is not part of the group.
	go func() {
		prompt(egCtx, cmd.InOrStdin(), out, session, mirror, reg, id)
		session.Close()
	}()

	err = eg.Wait()
	if xerrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func watch(out io.Writer, bus *client.Bus, self string) {
	bus.Status.Subscribe(func(e client.StatusEvent) {
		if e.Err != nil {
			fmt.Fprintf(out, "* %s (%v)\n", e.State, e.Err)
			return
		}
		fmt.Fprintf(out, "* %s\n", e.State)
	})
	bus.Init.Subscribe(func(e client.InitEvent) {
		fmt.Fprintf(out, "* joined %s: %d users, locked=%t\n", e.Channel, len(e.Users), e.Locked)
	})
	bus.UserJoined.Subscribe(func(u protocol.User) {
		if u.UserUUID != self {
			fmt.Fprintf(out, "* %s joined\n", u.DisplayName)
		}
	})
	bus.Entity.Subscribe(func(e client.EntityEvent) {
		if e.Event == "chat-message" {
			fmt.Fprintf(out, "<%v> %v\n", e.Payload["author"], e.Payload["text"])
			return
		}
		fmt.Fprintf(out, "* %s %v\n", e.Event, e.Payload["id"])
	})
	bus.Lock.Subscribe(func(e client.LockEvent) {
		fmt.Fprintf(out, "* channel locked=%t\n", e.Locked)
	})
	bus.Errors.Subscribe(func(e client.ErrorEvent) {
		fmt.Fprintf(out, "! %s\n", e.Message)
	})
	bus.Uploads.Subscribe(func(e client.UploadEvent) {
		fmt.Fprintf(out, "* snapshot saved=%t\n", e.OK)
	})
}

func prompt(ctx context.Context, in io.Reader, out io.Writer, s *client.Session, m *client.Mirror, reg *schema.Registry, id client.Identity) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/quit":
			return
		case "/goal":
			err = m.Do(ctx, s, "add-goal", map[string]any{"id": uuid.NewString(), "text": rest})
		case "/question":
			err = m.Do(ctx, s, "add-question", map[string]any{"id": uuid.NewString(), "text": rest})
		case "/rm":
			entity, key, _ := strings.Cut(rest, " ")
			sch, ok := reg.Get(entity)
			if !ok {
				err = xerrors.Errorf("unknown entity %q", entity)
				break
			}
			err = m.Do(ctx, s, sch.Event(schema.OpRemove), map[string]any{sch.Key: key})
		case "/list":
			for _, r := range m.Collection(strings.TrimSpace(rest)) {
				fmt.Fprintf(out, "  %v\n", r)
			}
		case "/who":
			for _, u := range m.Users() {
				fmt.Fprintf(out, "  %s %s\n", u.Color, u.DisplayName)
			}
		case "/lock", "/unlock":
			err = s.Send(ctx, protocol.New(protocol.TypeRoomLockToggle, map[string]any{"locked": cmd == "/lock"}))
		case "/flush":
			err = s.Send(ctx, protocol.New(protocol.TypeUploadToCloud, nil))
		default:
			err = m.Do(ctx, s, "chat-message", map[string]any{
				"id":     uuid.NewString(),
				"text":   line,
				"author": id.DisplayName,
			})
		}
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}
