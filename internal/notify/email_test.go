package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/config"
)

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESSenderBuildsMessage(t *testing.T) {
	api := &fakeSES{}
	sender := NewSESSender(api, "no-reply@example.com", "Onsite Therapy", zap.NewNop())

	err := sender.Send(context.Background(), EmailMessage{To: "sato@example.com", Subject: "Reminder", Body: "Tomorrow 10:00"})
	require.NoError(t, err)

	require.NotNil(t, api.input)
	assert.Equal(t, "Onsite Therapy <no-reply@example.com>", aws.ToString(api.input.FromEmailAddress))
	assert.Equal(t, []string{"sato@example.com"}, api.input.Destination.ToAddresses)
	assert.Equal(t, "Reminder", aws.ToString(api.input.Content.Simple.Subject.Data))
	assert.Equal(t, "Tomorrow 10:00", aws.ToString(api.input.Content.Simple.Body.Text.Data))
}

func TestSESSenderError(t *testing.T) {
	api := &fakeSES{err: errors.New("throttled")}
	sender := NewSESSender(api, "a@example.com", "A", zap.NewNop())

	err := sender.Send(context.Background(), EmailMessage{To: "b@example.com"})
	assert.ErrorContains(t, err, "throttled")
}

func TestNewEmailSender(t *testing.T) {
	s, err := NewEmailSender(context.Background(), config.EmailConfig{Provider: "log"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)
	assert.NoError(t, s.Send(context.Background(), EmailMessage{To: "x@example.com"}))

	s, err = NewEmailSender(context.Background(), config.EmailConfig{Provider: "sendgrid", SendGridAPIKey: "key"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SendGridSender{}, s)

	_, err = NewEmailSender(context.Background(), config.EmailConfig{Provider: "pigeon"}, nil)
	assert.Error(t, err)
}
