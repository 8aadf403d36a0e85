// aerion-enginectl is a thin operator CLI over internal/engine: configure
// an account, list chats, send a text message, run the job queue for a
// bounded duration, or take/restore a backup. It carries no business
// logic of its own — every subcommand is a couple of lines of argument
// parsing around one Engine call.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mercury-chat/engine/internal/engine"
	"github.com/mercury-chat/engine/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "aerion-enginectl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return usageError()
	}

	logging.Init(logging.Config{Level: envOr("AERION_LOG_LEVEL", "info"), Console: true})

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "configure":
		return cmdConfigure(rest)
	case "chats":
		return cmdChats(rest)
	case "send":
		return cmdSend(rest)
	case "run":
		return cmdRun(rest)
	case "export":
		return cmdExport(rest)
	case "import":
		return cmdImport(rest)
	default:
		return usageError()
	}
}

func usageError() error {
	fmt.Fprintln(os.Stderr, `usage: aerion-enginectl <command> [flags]

commands:
  configure -db PATH -addr ADDR -password PASS
  chats     -db PATH
  send      -db PATH -chat ID -text TEXT
  run       -db PATH [-for DURATION]
  export    -db PATH -dir DIR
  import    -db PATH -dir DIR`)
	return fmt.Errorf("no command given")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func openEngine(dbPath string) (*engine.Engine, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	return engine.Open(abs)
}

func cmdConfigure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	db := fs.String("db", "", "path to the engine database")
	addr := fs.String("addr", "", "account email address")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" || *addr == "" || *password == "" {
		return fmt.Errorf("configure requires -db, -addr, and -password")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Configure(*addr, *password); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.Start(ctx)
	waitForConfigure(e, ctx)
	cancel()
	e.Wait()
	return nil
}

// waitForConfigure drains events until the CONFIGURE_IMAP job reports
// success or failure, or ctx expires.
func waitForConfigure(e *engine.Engine, ctx context.Context) {
	for {
		select {
		case ev := <-e.Events():
			switch ev.Type {
			case engine.EventConfigureDone:
				fmt.Println("configured successfully")
				return
			case engine.EventConfigureFailed:
				fmt.Fprintln(os.Stderr, "configuration failed:", ev.Err)
				return
			}
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "timed out waiting for configuration")
			return
		}
	}
}

func cmdChats(args []string) error {
	fs := flag.NewFlagSet("chats", flag.ExitOnError)
	db := fs.String("db", "", "path to the engine database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" {
		return fmt.Errorf("chats requires -db")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	chats, err := e.Chats()
	if err != nil {
		return err
	}
	for _, c := range chats {
		fmt.Printf("%d\t%s\t%s\n", c.ID, c.Name, c.Summary)
	}
	return nil
}

func cmdSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	db := fs.String("db", "", "path to the engine database")
	chatID := fs.Uint("chat", 0, "chat id to send into")
	text := fs.String("text", "", "message text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" || *chatID == 0 || *text == "" {
		return fmt.Errorf("send requires -db, -chat, and -text")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	msgID, err := e.SendText(uint32(*chatID), *text)
	if err != nil {
		return err
	}
	fmt.Println("queued message", msgID)
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	db := fs.String("db", "", "path to the engine database")
	forDur := fs.Duration("for", 0, "stop after this duration (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" {
		return fmt.Errorf("run requires -db")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *forDur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *forDur)
		defer cancel()
	}

	e.Start(ctx)
	go logEvents(ctx, e)
	<-ctx.Done()
	e.Wait()
	return nil
}

func logEvents(ctx context.Context, e *engine.Engine) {
	for {
		select {
		case ev := <-e.Events():
			fmt.Printf("event: %s chat=%d message=%d permille=%d err=%v\n",
				ev.Type, ev.ChatID, ev.MessageID, ev.Permille, ev.Err)
		case <-ctx.Done():
			return
		}
	}
}

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	db := fs.String("db", "", "path to the engine database")
	dir := fs.String("dir", "", "directory to write the backup into")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" || *dir == "" {
		return fmt.Errorf("export requires -db and -dir")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.ExportBackup(*dir); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	e.Start(ctx)
	waitForIMEX(e, ctx)
	cancel()
	e.Wait()
	return nil
}

func cmdImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	db := fs.String("db", "", "path to the engine database")
	dir := fs.String("dir", "", "directory containing the backup to restore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" || *dir == "" {
		return fmt.Errorf("import requires -db and -dir")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.ImportBackup(*dir); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	e.Start(ctx)
	waitForIMEX(e, ctx)
	cancel()
	e.Wait()
	fmt.Println("restore complete; reopen the database to continue")
	return nil
}

func waitForIMEX(e *engine.Engine, ctx context.Context) {
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == engine.EventConfigureProgress {
				fmt.Printf("\rprogress: %d/1000", ev.Permille)
				if ev.Permille >= 1000 {
					fmt.Println()
					return
				}
			}
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\ntimed out waiting for backup job")
			return
		}
	}
}
