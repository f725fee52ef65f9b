package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"e2e_groupchat/internal/service/relay"
	"e2e_groupchat/internal/service/store"
	"e2e_groupchat/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultLongPollTimeout = 25 * time.Second
	maxBodyBytes           = 8 << 20
)

type (
	Config struct {
		Address         string
		LongPollTimeout time.Duration
		// AllowClear enables DELETE /messages.
		AllowClear bool
	}

	HttpServer struct {
		conf     Config
		messages *store.MessageStore
		upgrader websocket.Upgrader
	}
)

func NewHttpServer(messages *store.MessageStore, conf Config) *HttpServer {
	if conf.LongPollTimeout <= 0 {
		conf.LongPollTimeout = DefaultLongPollTimeout
	}
	return &HttpServer{
		conf:     conf,
		messages: messages,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
}

// Handler returns the relay's routes.
func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc(relay.PathStream, s.HandleStream()).Methods(http.MethodGet)
	r.HandleFunc(relay.PathMessages, s.PostMessages()).Methods(http.MethodPost)
	r.HandleFunc(relay.PathMessages, s.GetMessages()).Methods(http.MethodGet)
	r.HandleFunc(relay.PathMessages, s.ClearMessages()).Methods(http.MethodDelete)
	r.HandleFunc(relay.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.conf.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("address", s.conf.Address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
