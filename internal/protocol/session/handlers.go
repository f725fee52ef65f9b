package session

import (
	"context"
	"errors"
	"fmt"

	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/conversation"
	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/utils/log"

	"go.uber.org/zap"
)

// verify runs before every handler. Self-signed announcements authenticate
// themselves; everything else must verify against a known sender key.
func (s *Session) verify(_ context.Context, env *envelope.Envelope) error {
	c := s.conf.Cipher
	if isAnnouncement(env) {
		if env.IsSelfSignedPublicKey(c) {
			return nil
		}
		return ErrNotSelfSigned
	}

	if !env.Signed() {
		return s.unverified(env, envelope.ErrUnsigned)
	}

	pub, ok := s.pubKeys.Get(env.SenderID())
	if !ok {
		s.mu.Lock()
		s.unknown[env.ID()]++
		attempts := s.unknown[env.ID()]
		s.mu.Unlock()

		if attempts <= s.conf.UnknownSenderRetries {
			return messaging.ErrDeferred
		}
		s.forget(env)
		return s.unverified(env, fmt.Errorf("%w: sender %s", ErrUnknownPublicKey, env.SenderID()))
	}
	s.forget(env)

	if err := env.Verify(c, pub); err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return nil
}

func (s *Session) forget(env *envelope.Envelope) {
	s.mu.Lock()
	delete(s.unknown, env.ID())
	s.mu.Unlock()
}

func (s *Session) unverified(env *envelope.Envelope, reason error) error {
	if s.conf.Policy == RejectUnverified {
		return fmt.Errorf("%w: %w", ErrUnverified, reason)
	}
	log.Warn("processing unverified envelope", zap.String("id", env.ID()),
		zap.String("sender", env.SenderID()), zap.String("type", string(env.Type())), zap.Error(reason))
	return nil
}

// isAnnouncement matches public keys sent outside any conversation.
func isAnnouncement(env *envelope.Envelope) bool {
	return env.Type() == model.PublicKeyType && env.ConversationID() == ""
}

func (s *Session) handleAnnouncement(_ context.Context, env *envelope.Envelope) error {
	pub, err := env.EmbeddedPublicKey()
	if err != nil {
		return err
	}
	if s.pubKeys.Add(pub) {
		log.Info("learned public key", zap.String("key", pub.ID()))
	}
	return nil
}

func (s *Session) isUnknownIntroduction(env *envelope.Envelope) bool {
	return env.IsIntroduction() &&
		env.KeyID() == s.ID() &&
		s.Conversation(env.ConversationID()) == nil
}

// handleIntroduction joins a conversation another identity introduced us to.
func (s *Session) handleIntroduction(_ context.Context, env *envelope.Envelope) error {
	in, err := conversation.OpenIntroduction(s.conf.Cipher, s.conf.Identity, env)
	if err != nil {
		s.surface(messaging.Rejection{Envelope: env, Err: err})
		return nil
	}
	newcomer, err := in.Newcomer()
	if err != nil {
		s.surface(messaging.Rejection{Envelope: env, Err: err})
		return nil
	}
	s.pubKeys.Add(newcomer)

	participants := append(in.Participants, env.SenderID(), newcomer.ID())
	c, err := s.newConversation(env.ConversationID(), participants)
	if err != nil {
		return err
	}

	if fn := s.conf.OnInitiate; fn != nil {
		if err := fn(c); err != nil {
			if errors.Is(err, messaging.ErrDeferred) {
				return err
			}
			log.Info("declined conversation", zap.String("conversation", c.ID()), zap.Error(err))
			s.surface(messaging.Rejection{Envelope: env, Err: err})
			return nil
		}
	}

	if s.register(c) {
		log.Info("joined conversation", zap.String("conversation", c.ID()),
			zap.String("introducer", env.SenderID()), zap.Int("participants", len(c.Participants())))
	}
	return nil
}

// isOrphan matches conversation traffic no conversation handler takes yet:
// the conversation is not joined or the sender's introduction is still
// pending. Both usually arrive in a later round.
func (s *Session) isOrphan(env *envelope.Envelope) bool {
	id := env.ConversationID()
	if id == "" || s.hasLeft(id) || s.isUnknownIntroduction(env) {
		return false
	}
	c := s.Conversation(id)
	return c == nil || !c.IsParticipant(env.SenderID())
}

func (s *Session) holdOrphan(ctx context.Context, env *envelope.Envelope) error {
	if !messaging.FinalAttempt(ctx) {
		return messaging.ErrDeferred
	}
	log.Info("dropping envelope for unjoined conversation", zap.String("id", env.ID()),
		zap.String("conversation", env.ConversationID()), zap.String("type", string(env.Type())))
	return nil
}
