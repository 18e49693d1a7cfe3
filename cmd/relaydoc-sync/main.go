package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/engine"
	"github.com/agentworkforce/relaydoc/internal/logging"
	"github.com/agentworkforce/relaydoc/internal/replication"
)

type syncConfig struct {
	BaseURL        string
	Token          string
	Database       string
	LocalDSN       string
	Timeout        time.Duration
	RetryInterval  time.Duration
	RetryJitter    float64
	RequestRetries int
	LogLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RELAYDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func loadConfig(v *viper.Viper) (syncConfig, error) {
	cfg := syncConfig{
		BaseURL:        strings.TrimSpace(v.GetString("base-url")),
		Token:          strings.TrimSpace(v.GetString("token")),
		Database:       strings.TrimSpace(v.GetString("database")),
		LocalDSN:       strings.TrimSpace(v.GetString("local-dsn")),
		Timeout:        v.GetDuration("timeout"),
		RetryInterval:  v.GetDuration("retry-interval"),
		RetryJitter:    replication.ClampJitterRatio(v.GetFloat64("retry-jitter")),
		RequestRetries: v.GetInt("request-retries"),
		LogLevel:       v.GetString("log-level"),
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.LocalDSN == "" {
		cfg.LocalDSN = "file://" + filepath.Join(".relaydoc", "local.json")
	}
	if cfg.BaseURL != "" {
		if cfg.Token == "" {
			return syncConfig{}, errors.New("token is required with base-url (--token or RELAYDOC_TOKEN)")
		}
		if cfg.Database == "" {
			return syncConfig{}, errors.New("database is required with base-url (--database or RELAYDOC_DATABASE)")
		}
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:           "relaydoc-sync",
		Short:         "Work with relaydoc documents from a local replica",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	flags := root.PersistentFlags()
	flags.String("base-url", "", "relaydoc server URL (empty works offline)")
	flags.String("token", "", "bearer token")
	flags.String("database", "", "remote database name")
	flags.String("local-dsn", "", "local state backend DSN")
	flags.Duration("timeout", 15*time.Second, "timeout of one-shot operations")
	flags.Duration("retry-interval", 2*time.Second, "live sync retry interval")
	flags.Float64("retry-jitter", 0.2, "live sync retry jitter ratio (0.0-1.0)")
	flags.Int("request-retries", 0, "retries per HTTP request on 429 and 5xx responses")
	flags.String("log-level", logging.LevelWarn, "log level (debug, info, warn, error, none)")

	root.AddCommand(
		newInitCmd(v),
		newLoadCmd(v),
		newListCmd(v),
		newDeleteCmd(v),
		newImportCmd(v),
		newPurgeCmd(v),
	)
	return root
}

// app owns one engine for the lifetime of a command.
type app struct {
	cfg    syncConfig
	out    io.Writer
	logger *zap.Logger
	store  *docstore.Store
	engine *engine.Engine

	hookMu sync.Mutex
	hook   func(engine.Event)
	done   chan struct{}
}

func openApp(v *viper.Viper, out io.Writer) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsole(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	backend, err := docstore.BuildStateBackendFromDSN(cfg.LocalDSN)
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	store, err := docstore.NewStoreWithOptions(docstore.StoreOptions{
		StateBackend:    backend,
		ValidateRecords: true,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}

	opts := engine.Options{
		Store:  store,
		Logger: logger,
		Live: replication.LiveOptions{
			RetryInterval: cfg.RetryInterval,
			JitterRatio:   cfg.RetryJitter,
		},
	}
	if cfg.BaseURL != "" {
		opts.Remote = replication.NewHTTPClient(cfg.BaseURL, cfg.Token, cfg.Database, &http.Client{Timeout: cfg.Timeout}).
			WithRetries(cfg.RequestRetries)
	}
	eng, err := engine.New(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		out:    out,
		logger: logger,
		store:  store,
		engine: eng,
		done:   make(chan struct{}),
	}
	go a.consumeEvents()
	return a, nil
}

func (a *app) consumeEvents() {
	defer close(a.done)
	for ev := range a.engine.Events() {
		fields := []zap.Field{zap.String("event", string(ev.Type))}
		if ev.DocumentID != "" {
			fields = append(fields, zap.String("document", ev.DocumentID))
		}
		if ev.Err != nil {
			a.logger.Warn("engine event", append(fields, zap.Error(ev.Err))...)
		} else {
			a.logger.Debug("engine event", fields...)
		}
		a.hookMu.Lock()
		hook := a.hook
		a.hookMu.Unlock()
		if hook != nil {
			hook(ev)
		}
	}
}

func (a *app) onEvent(hook func(engine.Event)) {
	a.hookMu.Lock()
	a.hook = hook
	a.hookMu.Unlock()
}

func (a *app) timeoutContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, a.cfg.Timeout)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) Close() error {
	a.engine.Close()
	<-a.done
	_ = a.logger.Sync()
	return a.store.Close()
}

// withApp runs fn with an open app and a context cancelled by SIGINT/SIGTERM.
func withApp(v *viper.Viper, cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	a, err := openApp(v, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); err == nil {
			err = closeErr
		}
	}()
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

type documentSummary struct {
	DocumentID string `json:"documentId"`
	Commits    int    `json:"commits"`
	Trees      int    `json:"treeObjects"`
	Head       string `json:"head,omitempty"`
	Conflict   string `json:"conflict,omitempty"`
}

func summarize(documentID string, result engine.ResultSet) documentSummary {
	summary := documentSummary{
		DocumentID: documentID,
		Commits:    len(result.Objects.Commits),
		Trees:      len(result.Objects.TreeObjects),
	}
	if result.Ref != nil {
		summary.Head = result.Ref.Value
	}
	if result.Conflict != nil {
		summary.Conflict = result.Conflict.Value
	}
	return summary
}

func newInitCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [document-id]",
		Short: "Create a document (a random id is generated when none is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			documentID := uuid.NewString()
			if len(args) == 1 {
				documentID = args[0]
			}
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				session, err := a.engine.InitDocument(documentID, name)
				if err != nil {
					return err
				}
				if a.engine.Online() {
					pushCtx, cancel := a.timeoutContext(ctx)
					defer cancel()
					if err := session.Push(pushCtx); err != nil {
						return err
					}
				}
				return a.printJSON(map[string]string{"documentId": documentID})
			})
		},
	}
	cmd.Flags().String("name", "", "document name (defaults to the id)")
	return cmd
}

func newLoadCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <document-id>",
		Short: "Load a document, pulling remote changes first when online",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			live, _ := cmd.Flags().GetBool("live")
			documentID := args[0]
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				session, result, err := a.engine.LoadDocument(documentID, engine.LoadOptions{})
				if err != nil {
					return err
				}
				if a.engine.Online() {
					pullCtx, cancel := a.timeoutContext(ctx)
					result, err = session.Pull(pullCtx)
					cancel()
					if err != nil {
						return err
					}
				}
				if err := a.printJSON(summarize(documentID, result)); err != nil {
					return err
				}
				if !live {
					return nil
				}
				a.onEvent(func(ev engine.Event) {
					if ev.Type == engine.EventDataReceived && ev.DocumentID == documentID && ev.Result != nil && !ev.Result.Empty() {
						_ = a.printJSON(summarize(documentID, *ev.Result))
					}
				})
				if err := session.StartLiveSync(); err != nil {
					return err
				}
				<-ctx.Done()
				session.StopLiveSync()
				return nil
			})
		},
	}
	cmd.Flags().Bool("live", false, "keep replicating until interrupted")
	return cmd
}

type listEntry struct {
	DocumentID string `json:"documentId"`
	Name       string `json:"name"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"`
}

func documentList(records []docstore.Record) []listEntry {
	out := make([]listEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, listEntry{DocumentID: rec.DocID, Name: rec.Name, UpdatedAt: rec.UpdatedAt})
	}
	return out
}

func newListCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents in the local replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			live, _ := cmd.Flags().GetBool("live")
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				if err := a.printJSON(documentList(a.engine.GetDocumentList())); err != nil {
					return err
				}
				if !live {
					return nil
				}
				a.onEvent(func(ev engine.Event) {
					if ev.Type == engine.EventDocumentListChanged {
						_ = a.printJSON(documentList(ev.Documents))
					}
				})
				if err := a.engine.StartDocumentListSync(); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().Bool("live", false, "follow the remote document list until interrupted")
	return cmd
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document locally and on the remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				deleteCtx, cancel := a.timeoutContext(ctx)
				defer cancel()
				return a.engine.RequestDelete(deleteCtx, args[0])
			})
		},
	}
}

func newPurgeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove every local record and checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(v, cmd, func(_ context.Context, a *app) error {
				return a.engine.PurgeLocal()
			})
		},
	}
}

type importReport struct {
	Imported []string          `json:"imported"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func newImportCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import exported documents (*.json) from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")
			dir := args[0]
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				docs, err := readExportedDocuments(dir)
				if err != nil {
					return err
				}
				if err := a.importDocs(ctx, docs); err != nil && !watch {
					return err
				}
				if !watch {
					return nil
				}
				return watchImports(ctx, dir, a.logger, func(doc engine.ImportedDocument) {
					if err := a.importDocs(ctx, []engine.ImportedDocument{doc}); err != nil {
						a.logger.Warn("import failed", zap.String("document", doc.ID), zap.Error(err))
					}
				})
			})
		},
	}
	cmd.Flags().Bool("watch", false, "keep importing files written to the directory")
	return cmd
}

func (a *app) importDocs(ctx context.Context, docs []engine.ImportedDocument) error {
	if len(docs) == 0 {
		return nil
	}
	importCtx, cancel := a.timeoutContext(ctx)
	defer cancel()
	result, err := a.engine.ImportDocuments(importCtx, docs)
	report := importReport{Imported: result.Imported}
	if len(result.Failed) > 0 {
		report.Failed = map[string]string{}
		for id, failure := range result.Failed {
			report.Failed[id] = failure.Error()
		}
	}
	if printErr := a.printJSON(report); printErr != nil {
		return printErr
	}
	return err
}

func readExportedDocuments(dir string) ([]engine.ImportedDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var docs []engine.ImportedDocument
	for _, entry := range entries {
		if entry.IsDir() || !isExportFile(entry.Name()) {
			continue
		}
		doc, err := readExportedFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func isExportFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json") && !strings.HasPrefix(name, ".")
}

// readExportedFile reads one exported document. A file without an id takes
// its id from the file name.
func readExportedFile(path string) (engine.ImportedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.ImportedDocument{}, err
	}
	var doc engine.ImportedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return engine.ImportedDocument{}, fmt.Errorf("%s: %w", path, err)
	}
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return doc, nil
}

func watchImports(ctx context.Context, dir string, logger *zap.Logger, handle func(engine.ImportedDocument)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	logger.Info("watching for exports", zap.String("dir", dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isExportFile(filepath.Base(ev.Name)) {
				continue
			}
			doc, err := readExportedFile(ev.Name)
			if err != nil {
				// partial writes are retried on the next write event
				logger.Debug("skipping unreadable export", zap.String("file", ev.Name), zap.Error(err))
				continue
			}
			handle(doc)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		}
	}
}
