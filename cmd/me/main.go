// Command me is the offline-first MathEditor client. Documents live in a local SQLite store
// and are mirrored to the cloud whenever a session is available.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"matheditor/internal/cloudclient"
	"matheditor/internal/config"
	"matheditor/internal/docsync"
	"matheditor/internal/document"
	"matheditor/internal/localstore"
	"matheditor/internal/logger"
)

var emptyTree = json.RawMessage(`{"root":{"children":[],"type":"root"}}`)

func usage() {
	fmt.Fprintf(os.Stderr, `me: MathEditor client
Usage:
  me [-config file] [-yes] <cmd> [args]

Commands:
  login     -email <email> [-password <pw>]   (password falls back to stdin)
  logout
  ls
  open      <id|handle>                       (loads from the cloud when missing locally)
  new       -name <name> [-dir] [-parent <id>] [-handle <h>] [-file <tree.json>]
  edit      <id> [-file <tree.json>] [-name <n>] [-handle <h>] [-parent <id>]
  fork      <id> [-name <name>]
  duplicate <id> [-name <name>]
  rm        <id> [-target local|cloud|both]
  push      <id>
  backup    [-o <file.me>] [-cloud]
  restore   <file.me>
`)
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "", "client config file")
	assumeYes := flag.Bool("yes", false, "do not ask for confirmation")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, true)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app, err := newApp(ctx, cfg, log, *assumeYes || cfg.AssumeYes)
	if err != nil {
		log.Fatal("start client", logger.Error(err))
	}
	defer app.close()

	if err := app.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		app.close()
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Client
	log    logger.Logger
	local  *localstore.Store
	cloud  *cloudclient.Client
	sync   *docsync.Dispatcher
	tokens tokenStore
}

func newApp(ctx context.Context, cfg config.Client, log logger.Logger, assumeYes bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	local, err := localstore.Open(ctx, filepath.Join(cfg.DataDir, localstore.FileName))
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		log:    log,
		local:  local,
		cloud:  cloudclient.New(cfg.ServerURL, cfg.RequestTimeout),
		tokens: tokenStore{path: filepath.Join(cfg.DataDir, "token.json")},
	}
	a.restoreSession(ctx)

	a.sync = docsync.New(docsync.Options{
		Local:  local,
		Cloud:  a.cloud,
		Logger: log,
		Announcer: docsync.AnnouncerFunc(func(msg docsync.Announcement) {
			if msg.Subtitle == "" {
				fmt.Fprintln(os.Stderr, msg.Title)
				return
			}
			fmt.Fprintf(os.Stderr, "%s: %s\n", msg.Title, msg.Subtitle)
		}),
		Confirm: func(prompt string) bool {
			return assumeYes || confirm(os.Stdin, os.Stderr, prompt)
		},
		Timeout: cfg.RequestTimeout,
	})
	return a, nil
}

// close waits for pending cloud effects before releasing the store.
func (a *app) close() {
	if a.sync != nil {
		a.sync.Wait()
	}
	if a.local != nil {
		_ = a.local.Close()
		a.local = nil
	}
}

// restoreSession loads the saved token and refreshes it when it has expired.
func (a *app) restoreSession(ctx context.Context) {
	saved, err := a.tokens.load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			a.log.Warn("read saved session", logger.Error(err))
		}
		return
	}
	if time.Now().Before(saved.ExpiresAt) {
		a.cloud.SetToken(saved.Token)
		return
	}
	if saved.RefreshToken == "" {
		return
	}
	refreshed, err := a.cloud.Refresh(ctx, saved.RefreshToken)
	if err != nil {
		a.log.Debug("refresh session", logger.Error(err))
		return
	}
	if err := a.tokens.save(refreshed); err != nil {
		a.log.Warn("save session", logger.Error(err))
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return a.login(ctx, args)
	case "logout":
		return a.logout(ctx)
	case "ls":
		return a.list(ctx)
	case "open":
		id, _, err := parseWithID("open", args, nil)
		if err != nil {
			return err
		}
		entry, err := a.sync.Dispatch(ctx, docsync.Load{IDOrHandle: id})
		if err != nil {
			return err
		}
		doc, _ := entry.Editable()
		printJSON(doc)
		return nil
	case "new":
		return a.create(ctx, args)
	case "edit":
		return a.edit(ctx, args)
	case "fork", "duplicate":
		var name string
		id, _, err := parseWithID(cmd, args, func(fs *flag.FlagSet) {
			fs.StringVar(&name, "name", "", "name of the copy")
		})
		if err != nil {
			return err
		}
		var command docsync.Command = docsync.Fork{ID: id, Name: name}
		if cmd == "duplicate" {
			command = docsync.Duplicate{ID: id, Name: name}
		}
		entry, err := a.sync.Dispatch(ctx, command)
		if err != nil {
			return err
		}
		fmt.Println(entry.ID)
		return nil
	case "rm":
		var target string
		id, _, err := parseWithID("rm", args, func(fs *flag.FlagSet) {
			fs.StringVar(&target, "target", string(docsync.TargetBoth), "local, cloud or both")
		})
		if err != nil {
			return err
		}
		a.primeState(ctx)
		_, err = a.sync.Dispatch(ctx, docsync.Delete{ID: id, Target: docsync.Target(target)})
		if errors.Is(err, docsync.ErrCancelled) {
			fmt.Fprintln(os.Stderr, "cancelled")
			return nil
		}
		return err
	case "push":
		id, _, err := parseWithID("push", args, nil)
		if err != nil {
			return err
		}
		if _, err := a.sync.Dispatch(ctx, docsync.Push{ID: id}); err != nil {
			return err
		}
		fmt.Println("pushed", id)
		return nil
	case "backup":
		return a.backup(ctx, args)
	case "restore":
		if len(args) != 1 {
			return errors.New("restore needs a backup file")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		added, err := a.sync.Restore(ctx, f)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d documents\n", added)
		return nil
	}
	usage()
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("login needs -email")
	}
	if *password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		*password = strings.TrimSpace(line)
	}
	tokens, err := a.cloud.SignIn(ctx, *email, *password)
	if err != nil {
		return err
	}
	if err := a.tokens.save(tokens); err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", tokens.User.Email)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	saved, err := a.tokens.load()
	if err == nil && saved.RefreshToken != "" {
		if err := a.cloud.Logout(ctx, saved.RefreshToken); err != nil {
			a.log.Debug("logout", logger.Error(err))
		}
	}
	if err := a.tokens.clear(); err != nil {
		return err
	}
	fmt.Println("signed out")
	return nil
}

func (a *app) list(ctx context.Context) error {
	docs, err := a.sync.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tWHERE\tUPDATED")
	for _, doc := range docs {
		editable, _ := doc.Editable()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", doc.ID, doc.Name(), editable.Type, where(doc), doc.UpdatedAt().Local().Format(time.DateTime))
	}
	return w.Flush()
}

func where(doc document.UserDocument) string {
	switch {
	case doc.InSync():
		return "synced"
	case doc.IsLocalOnly():
		return "local"
	case doc.IsCloudOnly():
		return "cloud"
	}
	return "diverged"
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	name := fs.String("name", "", "document name")
	dir := fs.Bool("dir", false, "create a directory")
	parent := fs.String("parent", "", "parent directory id")
	handle := fs.String("handle", "", "public handle")
	file := fs.String("file", "", "editor tree JSON (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	data, err := readTree(*file)
	if err != nil {
		return err
	}
	docType := document.TypeDocument
	if *dir {
		docType = document.TypeDirectory
	}
	entry, err := a.sync.Dispatch(ctx, docsync.Create{
		Name:     *name,
		Type:     docType,
		Data:     data,
		ParentID: document.StringPtr(*parent),
		Handle:   document.StringPtr(*handle),
	})
	if err != nil {
		return err
	}
	fmt.Println(entry.ID)
	return nil
}

func (a *app) edit(ctx context.Context, args []string) error {
	var file, name, handle, parent string
	id, fs, err := parseWithID("edit", args, func(fs *flag.FlagSet) {
		fs.StringVar(&file, "file", "", "new editor tree JSON (- for stdin)")
		fs.StringVar(&name, "name", "", "new name")
		fs.StringVar(&handle, "handle", "", "new handle (empty string clears)")
		fs.StringVar(&parent, "parent", "", "new parent directory id (empty string moves to the root)")
	})
	if err != nil {
		return err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	update := docsync.Update{ID: id}
	if set["file"] {
		if update.Data, err = readTree(file); err != nil {
			return err
		}
	}
	if set["name"] {
		update.Name = &name
	}
	if set["handle"] {
		update.Handle = &handle
	}
	if set["parent"] {
		update.ParentID = &parent
	}
	a.primeState(ctx)
	entry, err := a.sync.Dispatch(ctx, update)
	if err != nil {
		return err
	}
	fmt.Println(entry.Local.Head)
	return nil
}

func (a *app) backup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	toCloud := fs.Bool("cloud", false, "upload to the cloud backup folder")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *toCloud {
		_, err := a.sync.UploadBackup(ctx)
		return err
	}
	path := *out
	if path == "" {
		path = "matheditor-" + time.Now().Format("2006-01-02") + document.BackupExtension
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	count, err := a.sync.WriteBackup(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d documents to %s\n", count, path)
	return nil
}

// primeState loads both listings so commands know which documents have a cloud copy.
func (a *app) primeState(ctx context.Context) {
	if _, err := a.sync.List(ctx); err != nil {
		a.log.Warn("list documents", logger.Error(err))
	}
}

// parseWithID accepts the document id as the first positional argument, before or after flags.
func parseWithID(name string, args []string, define func(*flag.FlagSet)) (string, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if define != nil {
		define(fs)
	}
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		return "", nil, fmt.Errorf("%s needs a document id", name)
	}
	return id, fs, nil
}

func readTree(path string) (json.RawMessage, error) {
	if path == "" {
		return document.CloneData(emptyTree), nil
	}
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, &document.ValidationError{Field: "data", Message: path + " is not valid JSON"}
	}
	return json.RawMessage(raw), nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// tokenStore persists the session between invocations.
type tokenStore struct {
	path string
}

func (s tokenStore) load() (cloudclient.Tokens, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return cloudclient.Tokens{}, err
	}
	var tokens cloudclient.Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return cloudclient.Tokens{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return tokens, nil
}

func (s tokenStore) save(tokens cloudclient.Tokens) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}

func (s tokenStore) clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
