package imap

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "user"
	testPass = "secret"
)

func startServer(t *testing.T, messages ...string) (string, int) {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPass)
	require.NoError(t, user.Create("INBOX", nil))
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
			imapv2.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	host, portText, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	client, err := imapclient.DialInsecure(ln.Addr().String(), nil)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Login(testUser, testPass).Wait())

	for _, raw := range messages {
		cmd := client.Append("INBOX", int64(len(raw)), &imapv2.AppendOptions{Time: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)})
		_, err := cmd.Write([]byte(raw))
		require.NoError(t, err)
		require.NoError(t, cmd.Close())
		_, err = cmd.Wait()
		require.NoError(t, err)
	}
	require.NoError(t, client.Logout().Wait())

	return host, port
}

func TestSource_FetchesInBatches(t *testing.T) {
	host, port := startServer(t,
		"From: a@x.com\r\nSubject: first\r\nDate: Mon, 15 Jan 2024 08:00:00 +0000\r\n\r\nbody one\r\n",
		"From: b@x.com\r\nSubject: second\r\nDate: Mon, 15 Jan 2024 08:30:00 +0000\r\n\r\nbody two\r\n",
	)

	ctx := context.Background()
	src, err := Open(ctx, Options{Host: host, Port: port, Username: testUser, Password: testPass}, nil)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 2, src.Count())

	batch, err := src.NextBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, batch[0].Err)
	assert.Equal(t, "INBOX/1", batch[0].Message.ID())

	subject, err := batch[0].Message.Subject()
	require.NoError(t, err)
	assert.Equal(t, "first", subject)

	received, err := batch[0].Message.ReceivedAt()
	require.NoError(t, err)
	assert.True(t, received.Equal(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)), "INTERNALDATE wins over headers")

	batch, err = src.NextBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	sender, err := batch[0].Message.SenderAddress()
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", sender)

	batch, err = src.NextBatch(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Options{Port: 993}, nil)
	assert.Error(t, err)
	_, err = Open(context.Background(), Options{Host: "localhost"}, nil)
	assert.Error(t, err)
}

func TestOpen_WrongPassword(t *testing.T) {
	host, port := startServer(t)
	_, err := Open(context.Background(), Options{Host: host, Port: port, Username: testUser, Password: "nope"}, nil)
	assert.ErrorContains(t, err, "login")
}

func TestOpen_MissingFolder(t *testing.T) {
	host, port := startServer(t)
	_, err := Open(context.Background(), Options{Host: host, Port: port, Username: testUser, Password: testPass, Folder: "Archive"}, nil)
	assert.ErrorContains(t, err, "Archive")
}
