package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_groupchat/internal/config"
	"e2e_groupchat/internal/cryptographic/cipher"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/session"
	"e2e_groupchat/internal/repository/identity"
	"e2e_groupchat/internal/service/app"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/service/relay"
	"e2e_groupchat/internal/utils/log"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// sendRetries is how often a failed post is requeued before it is reported.
const (
	sendRetries   = 3
	healthTimeout = 3 * time.Second
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "End-to-end encrypted group chat client",
	Long: `Start a chat session against a relay. Without a mongo_uri the identity
is generated for this run only.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		conf, err := config.LoadClient(path)
		if err != nil {
			return err
		}
		if name, _ := cmd.Flags().GetString("name"); name != "" {
			conf.Name = name
		}
		if relayURL, _ := cmd.Flags().GetString("relay"); relayURL != "" {
			conf.RelayURL = relayURL
		}
		if err := conf.Validate(); err != nil {
			return err
		}
		return run(conf)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("out")
		conf := config.DefaultClient()
		conf.Logger.Path = "chat.log"
		if err := config.Write(path, conf); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "Path to the TOML configuration, defaults apply when empty")
	rootCmd.Flags().StringP("name", "n", "", "Identity name, overrides the configuration")
	rootCmd.Flags().StringP("relay", "r", "", "Relay URL, overrides the configuration")
	initCmd.Flags().StringP("out", "o", "chat.toml", "Where to write the configuration")
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(conf *config.Client) error {
	// the terminal belongs to the UI
	logConf := *conf.Logger
	logConf.Quiet = true
	if logConf.Path == "" {
		logConf.Path = "chat.log"
	}
	if err := log.Init(logConf); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kp, err := loadIdentity(ctx, conf)
	if err != nil {
		return err
	}
	log.Info("identity ready", zap.String("id", kp.ID()), zap.String("name", conf.Name))

	rc, err := relay.NewClient(conf.RelayURL, nil)
	if err != nil {
		return err
	}
	policy, err := session.ParsePolicy(conf.Verification)
	if err != nil {
		return err
	}

	processor := messaging.NewProcessor()
	service := messaging.NewService(rc, processor, messaging.Config{
		RecipientID:  kp.ID(),
		PollInterval: conf.PollInterval.Duration,
		LongPoll:     true,
	})

	ui := app.NewApp()
	defer ui.Stop()
	sess, err := session.New(session.Config{
		Identity:     kp,
		Cipher:       cipher.Default{},
		Processor:    processor,
		Sender:       messaging.RetryingSender{Service: service, Retries: sendRetries},
		Policy:       policy,
		OnInitiate:   ui.Join,
		ReceiptDelay: conf.ReceiptDelay.Duration,
		KeyLifespan:  conf.KeyLifespan.Duration,
	})
	if err != nil {
		return err
	}
	ui.Bind(sess, service)

	if err := checkRelay(ctx, rc); err != nil {
		log.Warn("relay not reachable yet, will keep retrying", zap.String("relay", conf.RelayURL), zap.Error(err))
	}
	go func() {
		var err error
		if conf.Receive == config.ReceiveStream {
			err = service.Stream(ctx, rc)
		} else {
			err = service.Run(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.Error("messaging service stopped", zap.String("receive", conf.Receive), zap.Error(err))
		}
	}()
	if err := sess.Announce(ctx); err != nil {
		log.Warn("announce failed", zap.Error(err))
	}

	err = ui.Run(ctx)
	stop()
	return err
}

func checkRelay(ctx context.Context, rc *relay.Client) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return rc.Health(ctx)
}

// loadIdentity restores the named identity from MongoDB, or generates a
// throwaway one when no database is configured.
func loadIdentity(ctx context.Context, conf *config.Client) (*model.KeyPair, error) {
	if conf.MongoURI == "" {
		return model.NewKeyPair()
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(conf.MongoURI))
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(context.Background())
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	repo := identity.NewIdentityRepo(client.Database(conf.MongoDB))
	if err := repo.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return repo.LoadOrCreate(ctx, conf.Name)
}
