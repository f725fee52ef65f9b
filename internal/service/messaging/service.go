package messaging

import (
	"context"
	"slices"
	"sync"
	"time"

	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/utils/log"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	backoffUnit         = 250 * time.Millisecond
	maxBackoff          = 60 * time.Second
)

// Query selects envelopes newer than After.
type Query struct {
	After          string
	RecipientID    string
	ConversationID string
	Wait           bool
}

// Transport is the relay boundary.
type Transport interface {
	Fetch(ctx context.Context, q Query) ([]*envelope.Envelope, error)
	Post(ctx context.Context, batch []*envelope.Envelope) error
}

// Streamer pushes batches as the relay stores them. fn sees every batch in
// order; Stream returns when the connection ends.
type Streamer interface {
	Stream(ctx context.Context, q Query, fn func([]*envelope.Envelope) error) error
}

// Sender is what protocol code needs to emit envelopes.
type Sender interface {
	Send(ctx context.Context, envs ...*envelope.Envelope) error
}

type Config struct {
	// RecipientID filters fetched envelopes to the local identity.
	RecipientID  string
	PollInterval time.Duration
	// LongPoll asks the relay to hold the fetch until something matches.
	LongPoll bool
	Clock    clock.Clock
	// OnSendFailure runs once per envelope that could not be posted.
	OnSendFailure func(env *envelope.Envelope, err error)
}

type outgoing struct {
	env     *envelope.Envelope
	retries int
}

// Service polls the relay, feeds the Processor and posts outbound batches.
type Service struct {
	transport Transport
	processor *Processor
	conf      Config

	mu        sync.Mutex
	watermark string
	failures  int
	connected bool
	listeners []func(connected bool)
	outbox    []outgoing

	wake chan struct{}
}

func NewService(transport Transport, processor *Processor, conf Config) *Service {
	if conf.PollInterval <= 0 {
		conf.PollInterval = DefaultPollInterval
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	if conf.OnSendFailure == nil {
		conf.OnSendFailure = func(env *envelope.Envelope, err error) {
			log.Error("send failed", zap.String("id", env.ID()),
				zap.String("type", string(env.Type())), zap.Error(err))
		}
	}
	return &Service{
		transport: transport,
		processor: processor,
		conf:      conf,
		connected: true,
		wake:      make(chan struct{}, 1),
	}
}

// Backoff is the delay after the n-th consecutive failure:
// min(n² × 250ms, 60s).
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 16 {
		return maxBackoff
	}
	return min(time.Duration(failures*failures)*backoffUnit, maxBackoff)
}

func (s *Service) Processor() *Processor {
	return s.processor
}

// OnConnectionChange registers fn for both the loss and the recovery edge.
func (s *Service) OnConnectionChange(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Service) Watermark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Wake cuts the current poll or backoff wait short.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	for {
		delay := s.tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		timer := s.conf.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick runs one poll + dispatch round and returns the delay before the next.
func (s *Service) tick(ctx context.Context) time.Duration {
	s.flush(ctx)

	// deferred envelopes must not sit behind a long poll
	wait := s.conf.LongPoll && s.processor.Pending() == 0
	batch, err := s.transport.Fetch(ctx, Query{
		After:       s.Watermark(),
		RecipientID: s.conf.RecipientID,
		Wait:        wait,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		failures := s.failed()
		log.Debug("fetch failed", zap.Int("failures", failures), zap.Error(err))
		s.processor.Process(ctx)
		return Backoff(failures)
	}

	s.receive(ctx, batch)
	return s.conf.PollInterval
}

func (s *Service) failed() int {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()
	s.setConnected(false)
	return failures
}

// receive merges a fetched or pushed batch and dispatches.
func (s *Service) receive(ctx context.Context, batch []*envelope.Envelope) {
	s.mu.Lock()
	s.failures = 0
	if top := envelope.MaxSequenceKey(batch); top > s.watermark {
		s.watermark = top
	}
	s.mu.Unlock()
	s.setConnected(true)

	if len(batch) > 0 {
		s.processor.Merge(batch)
	}
	s.processor.Process(ctx)
}

// Stream is Run over a push transport. The stream is reopened from the
// watermark with backoff whenever it ends; queued sends and deferred
// envelopes are still serviced every PollInterval.
func (s *Service) Stream(ctx context.Context, streamer Streamer) error {
	go s.housekeep(ctx)

	for {
		q := Query{After: s.Watermark(), RecipientID: s.conf.RecipientID}
		err := streamer.Stream(ctx, q, func(batch []*envelope.Envelope) error {
			s.receive(ctx, batch)
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures := s.failed()
		log.Debug("stream ended", zap.Int("failures", failures), zap.Error(err))

		timer := s.conf.Clock.Timer(Backoff(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) housekeep(ctx context.Context) {
	ticker := s.conf.Clock.Ticker(s.conf.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
			if s.processor.Pending() > 0 {
				s.processor.Process(ctx)
			}
		}
	}
}

func (s *Service) setConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	if connected {
		log.Info("relay connection restored")
	} else {
		log.Warn("relay connection lost")
	}
	for _, fn := range listeners {
		fn(connected)
	}
}

// Enqueue holds envelopes until the next Send or poll tick.
func (s *Service) Enqueue(envs ...*envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range envs {
		s.outbox = append(s.outbox, outgoing{env: env})
	}
}

// Send posts the queued envelopes plus envs as one batch.
func (s *Service) Send(ctx context.Context, envs ...*envelope.Envelope) error {
	return s.SendWithRetry(ctx, 0, envs...)
}

// SendWithRetry is Send, but envelopes of a failed post are queued again up
// to retries times before the failure callback runs.
func (s *Service) SendWithRetry(ctx context.Context, retries int, envs ...*envelope.Envelope) error {
	s.mu.Lock()
	items := s.outbox
	s.outbox = nil
	for _, env := range envs {
		items = append(items, outgoing{env: env, retries: retries})
	}
	s.mu.Unlock()

	return s.post(ctx, items)
}

func (s *Service) flush(ctx context.Context) {
	s.mu.Lock()
	items := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	if len(items) > 0 {
		_ = s.post(ctx, items)
	}
}

func (s *Service) post(ctx context.Context, items []outgoing) error {
	if len(items) == 0 {
		return nil
	}
	batch := make([]*envelope.Envelope, len(items))
	for i, it := range items {
		batch[i] = it.env
	}

	err := s.transport.Post(ctx, batch)
	if err == nil {
		s.Wake()
		return nil
	}

	var requeue []outgoing
	for _, it := range items {
		if it.retries > 0 {
			requeue = append(requeue, outgoing{env: it.env, retries: it.retries - 1})
			continue
		}
		s.conf.OnSendFailure(it.env, err)
	}
	if len(requeue) > 0 {
		s.mu.Lock()
		s.outbox = append(requeue, s.outbox...)
		s.mu.Unlock()
	}
	return err
}

// RetryingSender adapts a Service into a Sender that retries failed posts.
type RetryingSender struct {
	Service *Service
	Retries int
}

func (r RetryingSender) Send(ctx context.Context, envs ...*envelope.Envelope) error {
	return r.Service.SendWithRetry(ctx, r.Retries, envs...)
}

var (
	_ Sender = (*Service)(nil)
	_ Sender = RetryingSender{}
)
