package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/relay"
	"e2e_groupchat/internal/service/store"
	"e2e_groupchat/internal/utils/log"

	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// nonNil keeps empty results encoded as [] rather than null.
func nonNil(envs []*envelope.Envelope) []*envelope.Envelope {
	if envs == nil {
		return []*envelope.Envelope{}
	}
	return envs
}

func (s *HttpServer) PostMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var batch []*envelope.Envelope
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batch); err != nil {
			log.Debug("Decode batch failed", zap.Error(err))
			http.Error(w, "malformed envelope batch", http.StatusBadRequest)
			return
		}
		for _, env := range batch {
			if env == nil {
				http.Error(w, "null envelope in batch", http.StatusBadRequest)
				return
			}
		}

		stored, err := s.messages.Accept(batch)
		if errors.Is(err, store.ErrDuplicateID) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			log.Error("Accept batch failed", zap.Error(err))
			http.Error(w, "store failed", http.StatusInternalServerError)
			return
		}

		log.Debug("accepted batch", zap.Int("envelopes", len(stored)))
		writeJSON(w, http.StatusOK, nonNil(stored))
	}
}

// GetMessages answers a poll. With wait=true it holds the request until a
// match exists or the long-poll window closes, then answers [].
func (s *HttpServer) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := relay.DecodeQuery(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		sq := relay.StoreQuery(q)
		if !q.Wait {
			writeJSON(w, http.StatusOK, nonNil(s.messages.Query(sq)))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.conf.LongPollTimeout)
		defer cancel()

		envs, err := s.messages.Wait(ctx, sq)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			envs = nil
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			log.Error("Wait failed", zap.Error(err))
			http.Error(w, "wait failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(envs))
	}
}

func (s *HttpServer) ClearMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.conf.AllowClear {
			http.Error(w, "clearing is disabled", http.StatusForbidden)
			return
		}
		if err := s.messages.Clear(); err != nil {
			log.Error("Clear failed", zap.Error(err))
			http.Error(w, "clear failed", http.StatusInternalServerError)
			return
		}
		log.Info("relay cleared")
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleStream pushes every newly matching batch as one websocket text frame.
func (s *HttpServer) HandleStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := relay.DecodeQuery(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					log.Debug("stream closed by client", zap.Error(err))
					return
				}
			}
		}()

		sq := relay.StoreQuery(q)
		for {
			envs, err := s.messages.Wait(ctx, sq)
			if err != nil {
				return
			}
			if err := conn.WriteJSON(envs); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return
			}
			sq.After = envelope.MaxSequenceKey(envs)
		}
	}
}
