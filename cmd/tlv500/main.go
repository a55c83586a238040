package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/naamasharir/tlv500-assistant/common/crypto"
	"github.com/naamasharir/tlv500-assistant/common/version"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/app"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/backend"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/config"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/reconcile"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/session"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/sheets"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/store"
)

func main() {
	fmt.Printf("TLV500 Assistant\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	configPath := flag.String("config", os.Getenv("TLV500_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)

	var masterKey []byte
	if cfg.MasterKeyHex != "" {
		masterKey, err = crypto.ParseMasterKey(cfg.MasterKeyHex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no master key configured, credential will not be persisted")
	}

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	repo := session.NewRepository(db, masterKey)
	bk := backend.New(backend.Config{BaseURL: cfg.Backend.BaseURL})
	provider := sheets.NewClient(sheets.ClientConfig{BaseURL: cfg.Sheets.BaseURL})

	refreshViewport := func() {
		fmt.Println("🔄 רענן את תצוגת הגיליון בדפדפן כדי לראות את השינויים")
	}

	assistant, err := app.New(ctx, app.Options{
		Backend:         bk,
		Sheets:          provider,
		Reconcile:       reconcile.New(bk, refreshViewport),
		Repo:            repo,
		RefreshViewport: refreshViewport,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize assistant: %v\n", err)
		os.Exit(1)
	}
	if cfg.Sheets.Credential != "" {
		assistant.SetCredential(ctx, cfg.Sheets.Credential)
	}

	if err := runREPL(ctx, assistant); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.Log) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

const replHelp = `Commands:
  /login <token>        set the spreadsheet provider bearer token
  /logout               drop the token and start a new conversation
  /sheet <url>          load a spreadsheet and list its sheets
  /select <name>        choose a sheet and run the initial analysis
  /answer <n> <text>    fill clarification answer slot n (1-5)
  /submit               execute the pending change plan
  /cancel               abandon the pending change plan
  /approve              approve all staged edits
  /reject               reject all staged edits
  /undo                 undo the last applied edit
  /redo                 redo the last undone edit
  /status               show staged-edit status
  /new                  start a new conversation
  /quit                 exit

Anything else is sent to the assistant as a question.`

// runREPL reads commands and questions from stdin and prints every new
// transcript message after each operation.
func runREPL(ctx context.Context, a *app.App) error {
	printed := 0
	printed = printTranscript(a, printed)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" || line == "/exit" {
			break
		}
		if line != "" {
			if err := dispatch(ctx, a, line); err != nil {
				slog.Debug("command failed", "err", err)
			}
		}
		printed = printTranscript(a, printed)
		fmt.Print("> ")
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, a *app.App, line string) error {
	if !strings.HasPrefix(line, "/") {
		return a.Ask(ctx, line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/help":
		fmt.Println(replHelp)
		return nil
	case "/login":
		if rest == "" {
			fmt.Println("usage: /login <token>")
			return nil
		}
		a.SetCredential(ctx, rest)
		fmt.Println("🔑 המפתח נשמר")
		return nil
	case "/logout":
		a.Logout(ctx)
		fmt.Println("👋 נותקת מהחשבון")
		return nil
	case "/sheet":
		_, err := a.LoadSpreadsheet(ctx, rest)
		return err
	case "/select":
		return a.SelectSheet(ctx, rest)
	case "/answer":
		slot, text, _ := strings.Cut(rest, " ")
		n, err := strconv.Atoi(slot)
		if err != nil {
			fmt.Println("usage: /answer <n> <text>")
			return nil
		}
		return a.SetAnswer(n-1, strings.TrimSpace(text))
	case "/submit":
		return a.SubmitAnswers(ctx)
	case "/cancel":
		a.CancelPlan()
		fmt.Println("התוכנית בוטלה")
		return nil
	case "/approve":
		return a.ApproveAll(ctx)
	case "/reject":
		return a.RejectAll(ctx)
	case "/undo":
		return a.Undo(ctx)
	case "/redo":
		return a.Redo(ctx)
	case "/status":
		st := a.Reconcile().Status()
		fmt.Printf("canUndo=%v canRedo=%v pending=%d\n", st.CanUndo, st.CanRedo, st.PendingChanges)
		if err := a.Reconcile().RefreshStatus(ctx, a.Session()); err != nil {
			return err
		}
		st = a.Reconcile().Status()
		fmt.Printf("refreshed: canUndo=%v canRedo=%v pending=%d\n", st.CanUndo, st.CanRedo, st.PendingChanges)
		return nil
	case "/new":
		a.NewChat()
		return nil
	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
		return nil
	}
}

// printTranscript prints messages appended since the last call and returns
// the new high-water mark.
func printTranscript(a *app.App, from int) int {
	tr := a.Transcript()
	for _, m := range tr[min(from, len(tr)):] {
		label := string(m.Sender)
		fmt.Printf("[%s] %s\n", label, m.Text)
	}
	return len(tr)
}
