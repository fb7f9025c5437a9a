package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ms-reservations/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	out []published
	err error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, published{topic, key, value})
	return nil
}

func TestEnqueueEmail(t *testing.T) {
	p := &fakePublisher{}
	d := NewDispatcher(p, "email", "sms", logger.NewNopLogger())

	id, err := d.EnqueueEmail(context.Background(), "", "rider@example.com", TemplateRegistrationConfirmed,
		map[string]string{"registrationId": "reg-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, p.out, 1)
	assert.Equal(t, "email", p.out[0].topic)
	assert.Equal(t, id, p.out[0].key, "message id is the kafka key")

	var msg Message
	require.NoError(t, json.Unmarshal(p.out[0].value, &msg))
	assert.Equal(t, ChannelEmail, msg.Channel)
	assert.Equal(t, "rider@example.com", msg.To)
	assert.Equal(t, "reg-1", msg.TemplateVars["registrationId"])
}

func TestEnqueueKeepsCallerID(t *testing.T) {
	p := &fakePublisher{}
	d := NewDispatcher(p, "email", "sms", logger.NewNopLogger())

	id, err := d.EnqueueSMS(context.Background(), "msg-7", "+15550100", TemplateHoldExpired, nil)
	require.NoError(t, err)
	assert.Equal(t, "msg-7", id)
	assert.Equal(t, "sms", p.out[0].topic)
}

func TestEnqueueErrors(t *testing.T) {
	d := NewDispatcher(&fakePublisher{}, "email", "sms", logger.NewNopLogger())
	_, err := d.EnqueueEmail(context.Background(), "", "", TemplateRegistrationCancelled, nil)
	assert.ErrorIs(t, err, ErrNoRecipient)

	broken := NewDispatcher(&fakePublisher{err: errors.New("broker down")}, "email", "sms", logger.NewNopLogger())
	_, err = broken.EnqueueEmail(context.Background(), "", "a@example.com", TemplateRegistrationRefunded, nil)
	assert.Error(t, err)
}
