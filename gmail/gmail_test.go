package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func TestQuery(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "empty", opts: Options{}, want: ""},
		{
			name: "all terms",
			opts: Options{
				Label:           "Receipts",
				Since:           time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
				Before:          time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
				Senders:         []string{"a@x.com", "b@y.org"},
				WithAttachments: true,
			},
			want: `label:"Receipts" after:2024/01/09 before:2024/02/01 from:(a@x.com OR b@y.org) has:attachment`,
		},
		{name: "single sender", opts: Options{Senders: []string{"a@x.com"}}, want: "from:a@x.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Query(tt.opts))
		})
	}
}

func newTestSource(t *testing.T, handler http.Handler, opts Options) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	require.NoError(t, err)
	return NewSource(svc, opts, nil)
}

func rawMessage(subject string) string {
	raw := "From: a@x.com\r\nSubject: " + subject + "\r\nDate: Mon, 15 Jan 2024 08:00:00 +0000\r\n\r\nhello\r\n"
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func TestSource_PagesAndFetches(t *testing.T) {
	var queries []string
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"messages":      []map[string]string{{"id": "m1"}, {"id": "m2"}},
				"nextPageToken": "p2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "m3"}},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		assert.Equal(t, "raw", r.URL.Query().Get("format"))
		if id == "m2" {
			http.Error(w, `{"error":{"code":404,"message":"gone"}}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           id,
			"raw":          rawMessage("subject " + id),
			"internalDate": "1705309200000",
		})
	})

	src := newTestSource(t, mux, Options{WithAttachments: true, RequestsPerSecond: 1000})
	ctx := context.Background()

	batch, err := src.NextBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, batch[0].Err)
	assert.Equal(t, "m1", batch[0].Message.ID())
	subject, err := batch[0].Message.Subject()
	require.NoError(t, err)
	assert.Equal(t, "subject m1", subject)
	received, err := batch[0].Message.ReceivedAt()
	require.NoError(t, err)
	assert.Equal(t, int64(1705309200000), received.UnixMilli())

	assert.Error(t, batch[1].Err)

	batch, err = src.NextBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "m3", batch[0].Message.ID())

	batch, err = src.NextBatch(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, batch)

	assert.Equal(t, []string{"has:attachment", "has:attachment"}, queries)
	assert.NoError(t, src.Close())
}

func TestSource_CancelledBeforeList(t *testing.T) {
	var calls int
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.NextBatch(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestOpen_MissingToken(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(creds, []byte(`{"installed":{"client_id":"id","client_secret":"s","redirect_uris":["http://localhost"],"auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token"}}`), 0o600))

	_, err := Open(context.Background(), Options{CredentialsFile: creds, TokenFile: filepath.Join(dir, "token.json")}, nil)
	assert.ErrorIs(t, err, ErrTokenMissing)

	_, err = Open(context.Background(), Options{CredentialsFile: filepath.Join(dir, "nope.json")}, nil)
	assert.Error(t, err)
}

func TestDecodeRaw(t *testing.T) {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding} {
		data, err := decodeRaw(enc.EncodeToString([]byte("ab?")))
		require.NoError(t, err)
		assert.Equal(t, "ab?", string(data))
	}
}
