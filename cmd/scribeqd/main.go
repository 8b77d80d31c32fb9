package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"

	"github.com/scribeq/scribeq"
)

type options struct {
	Config     string `short:"c" long:"config" description:"Path to TOML config file" default:"scribeqd.toml"`
	ListenAddr string `long:"listen" description:"Override the listen address"`
}

type fileConfig struct {
	ListenAddr string `toml:"listen_addr"`
	BlobDir    string `toml:"blob_dir"`

	MySQL struct {
		DSN    string `toml:"dsn"`
		DBName string `toml:"db_name"`
	} `toml:"mysql"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`

	HeartbeatIntervalSec int `toml:"heartbeat_interval_sec"`
	HeartbeatTimeoutSec  int `toml:"heartbeat_timeout_sec"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scribeqd:", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	var cfg fileConfig
	if _, err := toml.DecodeFile(opts.Config, &cfg); err != nil {
		return fmt.Errorf("read config %s: %w", opts.Config, err)
	}
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = "blobs"
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	blobs, err := scribeq.NewDiskBlobStore(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("open blob dir: %w", err)
	}

	svc := scribeq.New(scribeq.Config{
		Jobs:              scribeq.NewMySQLStore(db, cfg.MySQL.DBName),
		Coord:             scribeq.NewRedisCoord(rdb),
		Blobs:             blobs,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Shutdown(10 * time.Second)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: svc.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
	}()

	fmt.Println("scribeqd listening on", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
