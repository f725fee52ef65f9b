package messaging

import (
	"context"
	"errors"
	"testing"

	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/envelope"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqEnvelope(seq string, typ model.MessageType) *envelope.Envelope {
	return envelope.NewBuilder(typ).Unsigned().WithSequenceKey(seq)
}

func always(*envelope.Envelope) bool { return true }

func recordSequence(got *[]string) Handler {
	return func(_ context.Context, env *envelope.Envelope) error {
		*got = append(*got, env.SequenceKey())
		return nil
	}
}

func TestDispatchOrderKeyFirst(t *testing.T) {
	p := NewProcessor()
	var got []string
	p.Register(always, recordSequence(&got))

	p.Merge([]*envelope.Envelope{
		seqEnvelope("3", model.PlainText),
		seqEnvelope("1", model.PlainText),
		seqEnvelope("5", model.SecretKeyType),
		seqEnvelope("2", model.PlainText),
	})
	p.Process(context.Background())

	assert.Equal(t, []string{"5", "1", "2", "3"}, got)
	assert.Zero(t, p.Pending())
}

func TestDuplicateDeliveredOnce(t *testing.T) {
	p := NewProcessor()
	calls := 0
	p.Register(always, func(context.Context, *envelope.Envelope) error {
		calls++
		return nil
	})

	env := seqEnvelope("1", model.PlainText)
	assert.Equal(t, 1, p.Merge([]*envelope.Envelope{env, env}))
	p.Process(context.Background())

	// Redelivery in a later response is ignored too.
	assert.Equal(t, 0, p.Merge([]*envelope.Envelope{env}))
	p.Process(context.Background())

	assert.Equal(t, 1, calls)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	p := NewProcessor()
	var order []string
	p.Register(always, func(context.Context, *envelope.Envelope) error {
		order = append(order, "first")
		return nil
	})
	p.Register(func(e *envelope.Envelope) bool { return e.Type() == model.Received },
		func(context.Context, *envelope.Envelope) error {
			order = append(order, "receipts")
			return nil
		})
	unregister := p.Register(always, func(context.Context, *envelope.Envelope) error {
		order = append(order, "third")
		return nil
	})

	p.Merge([]*envelope.Envelope{seqEnvelope("1", model.PlainText)})
	p.Process(context.Background())
	assert.Equal(t, []string{"first", "third"}, order)

	unregister()
	order = nil
	p.Merge([]*envelope.Envelope{seqEnvelope("2", model.Received)})
	p.Process(context.Background())
	assert.Equal(t, []string{"first", "receipts"}, order)
}

func TestDeferredIsRetriedNextTick(t *testing.T) {
	p := NewProcessor()
	ready := false
	var got []string
	p.Register(always, func(_ context.Context, env *envelope.Envelope) error {
		if env.SequenceKey() == "1" && !ready {
			return ErrDeferred
		}
		got = append(got, env.SequenceKey())
		return nil
	})

	first := seqEnvelope("1", model.PlainText)
	p.Merge([]*envelope.Envelope{first, seqEnvelope("2", model.PlainText)})
	p.Process(context.Background())
	assert.Equal(t, []string{"2"}, got)
	assert.Equal(t, 1, p.Pending())

	// Still queued: a duplicate delivery must not double it.
	assert.Equal(t, 0, p.Merge([]*envelope.Envelope{first}))

	ready = true
	p.Process(context.Background())
	assert.Equal(t, []string{"2", "1"}, got)
	assert.Zero(t, p.Pending())
}

func TestDeferredDroppedAfterMaxAttempts(t *testing.T) {
	p := NewProcessor(WithMaxAttempts(3))
	var rejected []Rejection
	p.OnReject(func(r Rejection) { rejected = append(rejected, r) })
	p.Register(always, func(context.Context, *envelope.Envelope) error { return ErrDeferred })

	p.Merge([]*envelope.Envelope{seqEnvelope("1", model.PlainText)})
	for i := 0; i < 3; i++ {
		p.Process(context.Background())
	}
	assert.Zero(t, p.Pending())
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0].Err, ErrDeferred)
}

func TestFinalAttemptLetsHandlerGiveUp(t *testing.T) {
	p := NewProcessor(WithMaxAttempts(3))
	var rejected []Rejection
	p.OnReject(func(r Rejection) { rejected = append(rejected, r) })
	var finals []bool
	p.Register(always, func(ctx context.Context, _ *envelope.Envelope) error {
		final := FinalAttempt(ctx)
		finals = append(finals, final)
		if final {
			return nil
		}
		return ErrDeferred
	})

	p.Merge([]*envelope.Envelope{seqEnvelope("1", model.PlainText)})
	for i := 0; i < 3; i++ {
		p.Process(context.Background())
	}
	assert.Equal(t, []bool{false, false, true}, finals)
	assert.Zero(t, p.Pending())
	assert.Empty(t, rejected)
	assert.True(t, FinalAttempt(context.Background()))
}

func TestFilterRejects(t *testing.T) {
	p := NewProcessor()
	bad := errors.New("bad signature")
	p.AddFilter(func(_ context.Context, env *envelope.Envelope) error {
		if env.SequenceKey() == "1" {
			return bad
		}
		return nil
	})
	var rejected []Rejection
	p.OnReject(func(r Rejection) { rejected = append(rejected, r) })
	var got []string
	p.Register(always, recordSequence(&got))

	p.Merge([]*envelope.Envelope{seqEnvelope("1", model.PlainText), seqEnvelope("2", model.PlainText)})
	p.Process(context.Background())

	assert.Equal(t, []string{"2"}, got)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0].Err, bad)
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	p := NewProcessor()
	var got []string
	p.Register(always, func(context.Context, *envelope.Envelope) error { return errors.New("boom") })
	p.Register(always, recordSequence(&got))

	p.Merge([]*envelope.Envelope{seqEnvelope("1", model.PlainText)})
	p.Process(context.Background())
	assert.Equal(t, []string{"1"}, got)
	assert.Zero(t, p.Pending())
}
