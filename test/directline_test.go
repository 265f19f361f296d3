package tests

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mykhaliev/bot-conformance/directline"
	"github.com/mykhaliev/bot-conformance/logger"
	"github.com/mykhaliev/bot-conformance/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channelServer is a minimal in-memory Direct Line-style endpoint.
type channelServer struct {
	mu         sync.Mutex
	activities []model.Message
	ackSends   bool
	sendCount  int
	lastAuth   string
}

func (s *channelServer) push(messages ...model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, messages...)
}

func (s *channelServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastAuth = r.Header.Get("Authorization")
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"conversationId":"conv-42","token":"conv-token"}`)
	})
	mux.HandleFunc("POST /conversations/{id}/activities", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.sendCount++
		ack := s.ackSends
		count := s.sendCount
		s.mu.Unlock()
		if ack {
			fmt.Fprintf(w, `{"id":"act-%d"}`, count)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("GET /conversations/{id}/activities", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Watermark is the index of the first undelivered activity.
		from := 0
		if wm := r.URL.Query().Get("watermark"); wm != "" {
			fmt.Sscanf(wm, "%d", &from)
		}
		if from > len(s.activities) {
			from = len(s.activities)
		}
		batch := s.activities[from:]

		payload := struct {
			Activities []model.Message `json:"activities"`
			Watermark  string          `json:"watermark"`
		}{Activities: batch, Watermark: fmt.Sprintf("%d", len(s.activities))}

		data, err := jsonMarshal(payload)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})
	return mux
}

func newChannel(t *testing.T) (*channelServer, *directline.HTTPClient) {
	t.Helper()
	logger.SetupLogger(NewDummyWriter(), true)
	channel := &channelServer{}
	server := httptest.NewServer(channel.handler())
	t.Cleanup(server.Close)
	return channel, directline.NewHTTPClient(server.URL, server.Client())
}

func TestHTTPClientInit(t *testing.T) {
	channel, client := newChannel(t)

	conversation, err := client.Init(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "conv-42", conversation.ConversationID)
	assert.Equal(t, "conv-token", conversation.Token)
	assert.Equal(t, "Bearer s3cret", channel.lastAuth)
}

func TestHTTPClientInitEmptySecret(t *testing.T) {
	_, client := newChannel(t)

	_, err := client.Init(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret is empty")
}

func TestHTTPClientInitRejected(t *testing.T) {
	logger.SetupLogger(NewDummyWriter(), true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := directline.NewHTTPClient(server.URL, server.Client())
	_, err := client.Init(context.Background(), "bad-secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestHTTPClientSendMessage(t *testing.T) {
	t.Run("Channel acks with activity id", func(t *testing.T) {
		channel, client := newChannel(t)
		channel.ackSends = true
		_, err := client.Init(context.Background(), "s3cret")
		require.NoError(t, err)

		ack, err := client.SendMessage(context.Background(), "conv-42", userText("hi"))
		require.NoError(t, err)
		require.NotNil(t, ack)
		assert.Equal(t, "act-1", ack.ID)
	})

	t.Run("Channel accepts without echo", func(t *testing.T) {
		_, client := newChannel(t)
		_, err := client.Init(context.Background(), "s3cret")
		require.NoError(t, err)

		ack, err := client.SendMessage(context.Background(), "conv-42", userText("hi"))
		require.NoError(t, err)
		assert.Nil(t, ack)
	})

	t.Run("Unknown conversation", func(t *testing.T) {
		_, client := newChannel(t)
		_, err := client.SendMessage(context.Background(), "never-opened", userText("hi"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown conversation")
	})
}

func TestHTTPClientPollMessages(t *testing.T) {
	t.Run("Collects until expected count", func(t *testing.T) {
		channel, client := newChannel(t)
		_, err := client.Init(context.Background(), "s3cret")
		require.NoError(t, err)

		channel.push(trialsFound(10), botText("Was the patient hospitalized?"))

		messages, err := client.PollMessages(context.Background(), "conv-42", 2, false, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "Found 10 relevant trials", messages[0].GetText())
	})

	t.Run("Watermark advances between polls", func(t *testing.T) {
		channel, client := newChannel(t)
		_, err := client.Init(context.Background(), "s3cret")
		require.NoError(t, err)

		channel.push(trialsFound(10))
		first, err := client.PollMessages(context.Background(), "conv-42", 1, false, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, first, 1)

		channel.push(trialsFound(4))
		second, err := client.PollMessages(context.Background(), "conv-42", 1, false, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, "Found 4 relevant trials", second[0].GetText())
	})

	t.Run("Echo raises the target count", func(t *testing.T) {
		channel, client := newChannel(t)
		_, err := client.Init(context.Background(), "s3cret")
		require.NoError(t, err)

		channel.push(userText("hi"), trialsFound(10))

		messages, err := client.PollMessages(context.Background(), "conv-42", 1, true, 5*time.Second)
		require.NoError(t, err)
		assert.Len(t, messages, 2)
	})

	t.Run("Times out when the bot stays silent", func(t *testing.T) {
		_, client := newChannel(t)
		_, err := client.Init(context.Background(), "s3cret")
		require.NoError(t, err)

		_, err = client.PollMessages(context.Background(), "conv-42", 1, false, 700*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out waiting for 1 messages, got 0")
	})
}
