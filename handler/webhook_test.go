package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"assistant-pipeline/internal/pipeline"
)

type stubIngestor struct {
	out     pipeline.IngestOutcome
	err     error
	token   string
	payload []byte
}

func (s *stubIngestor) Process(_ context.Context, token string, payload []byte) (pipeline.IngestOutcome, error) {
	s.token = token
	s.payload = payload
	return s.out, s.err
}

func makeWebhookEvent(token, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:     http.MethodPost,
		Path:           "/webhook/" + token,
		PathParameters: map[string]string{"proxy": token},
		Headers:        map[string]string{"Content-Type": "application/json"},
		Body:           body,
	}
}

func TestNewWebhookHandler_ValidatesDependency(t *testing.T) {
	_, err := NewWebhookHandler(nil, nil)
	require.Error(t, err)
}

func TestWebhookHandle_AlwaysRespondsEmptyOK(t *testing.T) {
	cases := []struct {
		name string
		out  pipeline.IngestOutcome
		err  error
	}{
		{name: "queued", out: pipeline.IngestOutcome{Action: pipeline.ActionQueued, ThreadID: "thread-S"}},
		{name: "dropped", out: pipeline.IngestOutcome{Action: pipeline.ActionDropped, Reason: "group_chat"}},
		{name: "internal error", out: pipeline.IngestOutcome{Action: pipeline.ActionDropped}, err: errors.New("boom")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing := &stubIngestor{out: tc.out, err: tc.err}
			h, err := NewWebhookHandler(ing, nil)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeWebhookEvent("tok", `{"update_id":1}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, "{}", resp.Body)
			require.Equal(t, "application/json", resp.Headers["Content-Type"])
		})
	}
}

func TestWebhookHandle_PassesTokenAndRawBody(t *testing.T) {
	ing := &stubIngestor{}
	h, err := NewWebhookHandler(ing, nil)
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeWebhookEvent("tok-T", `{"update_id":7}`))
	require.NoError(t, err)
	require.Equal(t, "tok-T", ing.token)
	require.JSONEq(t, `{"update_id":7}`, string(ing.payload))
}

func TestWebhookHandle_GeneratesCorrelationID(t *testing.T) {
	h, err := NewWebhookHandler(&stubIngestor{}, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeWebhookEvent("tok", `{}`))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestWebhookHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewWebhookHandler(&stubIngestor{}, nil)
	require.NoError(t, err)

	event := makeWebhookEvent("tok", `{}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
