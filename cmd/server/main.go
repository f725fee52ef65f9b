package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_groupchat/internal/config"
	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/server"
	"e2e_groupchat/internal/service/store"
	"e2e_groupchat/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Message relay for end-to-end encrypted group chat",
	Long: `Run the relay that stores opaque chat envelopes and hands them out to
clients polling for them. The relay never sees plaintext.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return run(path)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("out")
		if err := config.Write(path, config.DefaultServer()); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "Path to the TOML configuration, defaults apply when empty")
	initCmd.Flags().StringP("out", "o", "relay.toml", "Where to write the configuration")
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(path string) error {
	conf, err := config.LoadServer(path)
	if err != nil {
		return err
	}
	if err := log.Init(*conf.Logger); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, conf.Backend)
	if err != nil {
		return err
	}
	defer closeBackend()

	messages, err := store.NewMessageStore(backend)
	if err != nil {
		return err
	}
	log.Info("message store ready", zap.String("backend", conf.Backend.Kind), zap.Int("messages", messages.Len()))

	srv := server.NewHttpServer(messages, server.Config{
		Address:         conf.Address,
		LongPollTimeout: conf.LongPollTimeout.Duration,
		AllowClear:      conf.AllowClear,
	})
	return srv.Run(ctx)
}

func openBackend(ctx context.Context, conf config.Backend) (store.Backend[*envelope.Envelope], func(), error) {
	switch conf.Kind {
	case config.BackendFile:
		b, err := store.NewFileBackend(conf.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", conf.RedisAddr, err)
		}
		return store.NewRedisBackend(rdb, store.DefaultRedisKey), func() { rdb.Close() }, nil

	case config.BackendMongo:
		client, err := initMongo(ctx, conf.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		}
		return store.NewMongoBackend(client.Database(conf.MongoDatabase)), closeFn, nil
	}
	return nil, func() {}, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
