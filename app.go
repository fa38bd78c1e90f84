package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"cipherchat/blob"
	"cipherchat/chat"
	"cipherchat/config"
	"cipherchat/directory"
	"cipherchat/keystore"
	"cipherchat/observability"
	"cipherchat/realtime"
	"cipherchat/storage"
)

const version = "0.1.0"

// app holds every component wired for one CLI invocation.
type app struct {
	cfg     *config.ClientConfig
	cfgPath string

	logger  *observability.Logger
	metrics *observability.Metrics

	local     *storage.Store
	realtime  *realtime.BoltStore
	keys      *keystore.KeyStore
	directory *directory.Directory
	repo      *chat.Repository
	log       *chat.MessageLog
	blobs     *blob.DirStore

	stopMetrics func()
}

func openApp(dataDir string) (*app, error) {
	var (
		cfg     *config.ClientConfig
		cfgPath string
		err     error
	)
	if dataDir != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(dataDir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger("cipherchat", version, cfg.LogLevel, os.Stderr)
	if cfg.Identity != "" {
		logger = logger.WithIdentity(cfg.Identity)
	}
	metrics := observability.NewMetrics()

	local, err := storage.OpenPath(cfg.LocalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}
	rt, err := realtime.OpenBolt(cfg.RealtimeDBPath)
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("open realtime store: %w", err)
	}
	blobs, err := blob.NewDirStore(cfg.BlobDir)
	if err != nil {
		_ = rt.Close()
		_ = local.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	keys := keystore.New(local)
	dir := directory.New(rt, keys)
	dir.SetPublicKeyTTL(time.Duration(cfg.PublicKeyTTLSeconds) * time.Second)
	a := &app{
		cfg:       cfg,
		cfgPath:   cfgPath,
		logger:    logger,
		metrics:   metrics,
		local:     local,
		realtime:  rt,
		keys:      keys,
		directory: dir,
		repo:      chat.NewRepository(rt, logger),
		log:       chat.NewMessageLog(logger, metrics, local),
		blobs:     blobs,
	}
	if cfg.MetricsAddr != "" {
		a.stopMetrics = metrics.Serve(cfg.MetricsAddr, logger)
	}
	return a, nil
}

func (a *app) Close() {
	if a.stopMetrics != nil {
		a.stopMetrics()
	}
	if err := a.realtime.Close(); err != nil {
		a.logger.Error(err, "realtime store close")
	}
	if err := a.local.Close(); err != nil {
		a.logger.Error(err, "local database close")
	}
}

func (a *app) identity() (string, error) {
	if a.cfg.Identity == "" {
		return "", fmt.Errorf("%w: run `cipherchat init -identity <uid>` first", chat.ErrNotSignedIn)
	}
	return a.cfg.Identity, nil
}

func (a *app) coordinator() (*chat.SendCoordinator, error) {
	return chat.NewSendCoordinator(chat.SendCoordinatorOptions{
		Directory:  a.directory,
		Writer:     a.repo,
		Encryption: a.keys,
		Journal:    a.local,
		Security:   a.local,
		Blobs:      a.blobs,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
}

func (a *app) session(ctx context.Context) (*chat.Session, error) {
	identity, err := a.identity()
	if err != nil {
		return nil, err
	}
	return chat.NewSession(ctx, chat.SessionOptions{
		Auth:              chat.NewStaticAuth(identity),
		Keys:              a.keys,
		Repository:        a.repo,
		Log:               a.log,
		Logger:            a.logger,
		Journal:           a.local,
		Presence:          a.directory,
		StalePendingAfter: time.Duration(a.cfg.StalePendingSeconds) * time.Second,
		SendLogRetention:  time.Duration(a.cfg.SendLogRetentionHours) * time.Hour,
	})
}
