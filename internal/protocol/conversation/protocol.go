package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/utils/log"

	"go.uber.org/zap"
)

const receiptTimeout = 10 * time.Second

// sealedTo builds an envelope of typ whose content is sealed to recipient's
// public key. keyId names that public key.
func (c *Conversation) sealedTo(typ model.MessageType, recipient string, payload []byte) (*envelope.Envelope, error) {
	pub, ok := c.pubKeys.Get(recipient)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, recipient)
	}
	ct, err := c.cipher.Seal(pub, payload)
	if err != nil {
		return nil, err
	}
	return envelope.NewBuilder(typ).
		Conversation(c.id).
		KeyID(pub.ID()).
		Recipients(recipient).
		Content(ct).
		Sign(c.cipher, c.identity)
}

// Introduce adds pub to the conversation. Every live key is retired, the
// newcomer gets our self-signed key, and every other member gets a sealed
// introduction.
func (c *Conversation) Introduce(ctx context.Context, pub *model.PublicKey) error {
	self := c.identity.ID()
	if pub.ID() == self {
		return errors.New("conversation: cannot introduce self")
	}

	c.pubKeys.Add(pub)
	added := c.addParticipants(pub.ID())
	c.keys.DeprecateAll()
	for _, id := range added {
		c.publish(Event{Kind: EventParticipantJoined, Participant: id, Timestamp: c.clock.Now()})
	}

	announce, err := envelope.NewSelfSignedPublicKey(c.cipher, c.identity, pub.ID())
	if err != nil {
		return err
	}
	participants := c.Participants()
	payload, err := json.Marshal(Introduction{PublicKey: pub.Bytes(), Participants: participants})
	if err != nil {
		return err
	}

	envs := []*envelope.Envelope{announce}
	for _, p := range participants {
		if p == self {
			continue
		}
		env, err := c.sealedTo(model.PublicKeyType, p, payload)
		if errors.Is(err, ErrUnknownKey) {
			log.Warn("no public key to introduce to", zap.String("conversation", c.id), zap.String("participant", p))
			continue
		}
		if err != nil {
			return err
		}
		envs = append(envs, env)
	}

	log.Info("introducing participant", zap.String("conversation", c.id),
		zap.String("participant", pub.ID()), zap.Int("envelopes", len(envs)))
	return c.sender.Send(ctx, envs...)
}

// Send encrypts text under the live key and sends it to every participant,
// together with the live key for participants that do not have it yet.
func (c *Conversation) Send(ctx context.Context, text string) (*envelope.Envelope, error) {
	key, fresh, err := c.keys.Current()
	if err != nil {
		return nil, err
	}
	if fresh {
		log.Debug("minted conversation key", zap.String("conversation", c.id), zap.String("key", key.ID()))
	}

	keyEnvs, recipients, err := c.distribute(key)
	if err != nil {
		return nil, err
	}

	ct, err := c.cipher.Encrypt(key, []byte(text))
	if err != nil {
		return nil, err
	}
	env, err := envelope.NewBuilder(model.PlainText).
		Conversation(c.id).
		KeyID(key.ID()).
		Recipients(c.Participants()...).
		Content(ct).
		Sign(c.cipher, c.identity)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keyHistory = append(c.keyHistory, key.ID())
	c.mu.Unlock()

	if err := c.sender.Send(ctx, append(keyEnvs, env)...); err != nil {
		return env, err
	}

	c.mu.Lock()
	sent := c.distributed[key.ID()]
	if sent == nil {
		sent = make(map[string]struct{})
		c.distributed[key.ID()] = sent
	}
	for _, id := range recipients {
		sent[id] = struct{}{}
	}
	c.mu.Unlock()
	return env, nil
}

// distribute seals key to each participant it was not sent to yet.
func (c *Conversation) distribute(key *model.SecretKey) ([]*envelope.Envelope, []string, error) {
	self := c.identity.ID()

	c.mu.Lock()
	sent := c.distributed[key.ID()]
	var pending []string
	for _, p := range c.participants {
		if _, ok := sent[p]; !ok && p != self {
			pending = append(pending, p)
		}
	}
	c.mu.Unlock()

	var envs []*envelope.Envelope
	var recipients []string
	for _, p := range pending {
		env, err := c.sealedTo(model.SecretKeyType, p, key.Bytes())
		if errors.Is(err, ErrUnknownKey) {
			log.Warn("cannot share key with participant yet", zap.String("conversation", c.id), zap.String("participant", p))
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		envs = append(envs, env)
		recipients = append(recipients, p)
	}
	return envs, recipients, nil
}

func (c *Conversation) handleSecretKey(_ context.Context, env *envelope.Envelope) error {
	if env.KeyID() != c.identity.ID() {
		return nil
	}
	plain, err := c.cipher.Open(c.identity, env.Content())
	if err != nil {
		c.undecryptable(env, err)
		return nil
	}
	key, err := model.ParseSecretKey(plain)
	if err != nil {
		return err
	}
	c.keys.AddReceived(key)
	log.Debug("received conversation key", zap.String("conversation", c.id),
		zap.String("from", env.SenderID()), zap.String("key", key.ID()))
	return nil
}

func (c *Conversation) handleIntroduction(ctx context.Context, env *envelope.Envelope) error {
	self := c.identity.ID()
	if env.KeyID() != self {
		return nil
	}
	in, err := OpenIntroduction(c.cipher, c.identity, env)
	if err != nil {
		c.undecryptable(env, err)
		return nil
	}
	newcomer, err := in.Newcomer()
	if err != nil {
		return err
	}

	c.pubKeys.Add(newcomer)
	added := c.addParticipants(append(in.Participants, newcomer.ID())...)
	c.keys.DeprecateAll()

	joined := false
	for _, id := range added {
		c.publish(Event{Kind: EventParticipantJoined, Participant: id, SenderID: env.SenderID(), Timestamp: env.Timestamp()})
		joined = joined || id == newcomer.ID()
	}
	if !joined || newcomer.ID() == self {
		return nil
	}

	announce, err := envelope.NewSelfSignedPublicKey(c.cipher, c.identity, newcomer.ID())
	if err != nil {
		return err
	}
	return c.sender.Send(ctx, announce)
}

func (c *Conversation) decrypt(env *envelope.Envelope) ([]byte, error) {
	dk, ok := c.keys.Lookup(env.KeyID())
	if !ok {
		return nil, fmt.Errorf("%w: %w %s", ErrUndecryptable, errNoKey, env.KeyID())
	}
	var (
		plain []byte
		err   error
	)
	if dk.Secret != nil {
		plain, err = c.cipher.Decrypt(dk.Secret, env.Content())
	} else {
		plain, err = c.cipher.Open(dk.Identity, env.Content())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	return plain, nil
}

// handlePlainText defers a text whose key is missing until the processor's
// final attempt. The SECRET_KEY may be held back behind its sender's public
// key.
func (c *Conversation) handlePlainText(ctx context.Context, env *envelope.Envelope) error {
	plain, err := c.decrypt(env)
	if errors.Is(err, errNoKey) && !messaging.FinalAttempt(ctx) {
		log.Debug("waiting for conversation key", zap.String("conversation", c.id),
			zap.String("id", env.ID()), zap.String("key", env.KeyID()))
		return messaging.ErrDeferred
	}
	if err != nil {
		c.undecryptable(env, err)
		return nil
	}

	kind := EventReceived
	if env.SenderID() == c.identity.ID() {
		kind = EventSent
	}
	c.publish(Event{
		Kind:        kind,
		MessageID:   env.ID(),
		SenderID:    env.SenderID(),
		Text:        string(plain),
		Timestamp:   env.Timestamp(),
		SequenceKey: env.SequenceKey(),
	})

	if kind == EventReceived {
		c.scheduleReceipt(env)
	}
	return nil
}

func (c *Conversation) scheduleReceipt(env *envelope.Envelope) {
	c.mu.Lock()
	if _, ok := c.sentReceipts[env.ID()]; ok {
		c.mu.Unlock()
		return
	}
	c.sentReceipts[env.ID()] = struct{}{}
	c.mu.Unlock()

	c.clock.AfterFunc(c.delay, func() {
		receipt, err := c.sealedTo(model.Received, env.SenderID(), []byte(env.ID()))
		if err != nil {
			log.Warn("cannot build receipt", zap.String("message", env.ID()), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
		defer cancel()
		if err := c.sender.Send(ctx, receipt); err != nil {
			log.Warn("sending receipt failed", zap.String("message", env.ID()), zap.Error(err))
		}
	})
}

func (c *Conversation) handleReceipt(_ context.Context, env *envelope.Envelope) error {
	if env.KeyID() != c.identity.ID() {
		return nil
	}
	plain, err := c.cipher.Open(c.identity, env.Content())
	if err != nil {
		c.undecryptable(env, err)
		return nil
	}
	msgID := string(plain)

	c.mu.Lock()
	acks := c.acks[msgID]
	if acks == nil {
		acks = make(map[string]struct{})
		c.acks[msgID] = acks
	}
	acks[env.SenderID()] = struct{}{}
	c.mu.Unlock()

	if env.SenderID() == c.identity.ID() {
		return nil
	}
	c.publish(Event{Kind: EventReceipt, MessageID: msgID, SenderID: env.SenderID(), Timestamp: env.Timestamp()})
	return nil
}

func (c *Conversation) undecryptable(env *envelope.Envelope, err error) {
	if !errors.Is(err, ErrUndecryptable) {
		err = fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	log.Warn("undecryptable envelope", zap.String("conversation", c.id),
		zap.String("id", env.ID()), zap.String("key", env.KeyID()), zap.Error(err))
	c.publish(Event{
		Kind:        EventUndecryptable,
		MessageID:   env.ID(),
		SenderID:    env.SenderID(),
		Timestamp:   env.Timestamp(),
		SequenceKey: env.SequenceKey(),
		Err:         err,
	})
}
