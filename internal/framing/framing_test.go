package framing

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coretex-labs/iperf3go/internal/errs"
	"github.com/coretex-labs/iperf3go/internal/transport"
)

func pipe(t *testing.T) (client, server *transport.Conn, cleanup func()) {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1", 0, 8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var srv *transport.Conn
	go func() {
		defer wg.Done()
		srv, _ = ln.Accept()
	}()

	addr := ln.Addr().String()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cli, err := transport.DialTCP(host, port, time.Second)
	require.NoError(t, err)
	wg.Wait()
	require.NotNil(t, srv)

	return cli, srv, func() {
		cli.Close()
		srv.Close()
		ln.Close()
	}
}

func TestStateRoundTrip(t *testing.T) {
	cli, srv, cleanup := pipe(t)
	defer cleanup()

	require.NoError(t, WriteState(cli, ParamExchange))
	got, err := ReadState(srv)
	require.NoError(t, err)
	assert.Equal(t, ParamExchange, got)
}

func TestStateAccessDenied(t *testing.T) {
	cli, srv, cleanup := pipe(t)
	defer cleanup()

	require.NoError(t, WriteState(cli, AccessDenied))
	got, err := ReadState(srv)
	require.NoError(t, err)
	assert.Equal(t, AccessDenied, got)
	assert.Equal(t, State(-1), got)
}

func TestCookieRoundTrip(t *testing.T) {
	cli, srv, cleanup := pipe(t)
	defer cleanup()

	cookie := "abcdef0123456789abcdef0123456789abcd" // 36 chars, the full cookie body
	require.NoError(t, WriteCookie(cli, cookie[:36]))
	got, err := ReadCookie(srv)
	require.NoError(t, err)
	assert.Equal(t, cookie[:36], got)
}

func TestCookieShorterThan36PadsWithNUL(t *testing.T) {
	cli, srv, cleanup := pipe(t)
	defer cleanup()

	require.NoError(t, WriteCookie(cli, "short"))
	got, err := ReadCookie(srv)
	require.NoError(t, err)
	assert.Equal(t, "short", got)
}

func TestJSONRoundTrip(t *testing.T) {
	cli, srv, cleanup := pipe(t)
	defer cleanup()

	type payload struct {
		Foo string `json:"foo"`
		Num int    `json:"num"`
	}
	in := payload{Foo: "bar", Num: 42}
	require.NoError(t, WriteJSON(cli, in))

	var out payload
	require.NoError(t, ReadJSON(srv, &out))
	assert.Equal(t, in, out)
}

func TestJSONLargeBodyWithin1MiB(t *testing.T) {
	cli, srv, cleanup := pipe(t)
	defer cleanup()

	body := strings.Repeat("x", 900*1024)
	type payload struct {
		Data string `json:"data"`
	}
	in := payload{Data: body}
	require.NoError(t, WriteJSON(cli, in))

	var out payload
	require.NoError(t, ReadJSON(srv, &out))
	assert.Equal(t, in, out)
}

func TestJSONZeroLengthIsFramingError(t *testing.T) {
	cli, srv, cleanup := pipe(t)
	defer cleanup()

	lenBuf := []byte{0, 0, 0, 0}
	_, err := cli.Write(lenBuf)
	require.NoError(t, err)
	require.NoError(t, cli.Flush())

	var out map[string]interface{}
	err = ReadJSON(srv, &out)
	require.Error(t, err)
	assert.Equal(t, errs.FramingError, errs.KindOf(err))
}

func TestJSONOversizedLengthIsFramingError(t *testing.T) {
	cli, srv, cleanup := pipe(t)
	defer cleanup()

	lenBuf := []byte{0x7F, 0xFF, 0xFF, 0xFF}
	_, err := cli.Write(lenBuf)
	require.NoError(t, err)
	require.NoError(t, cli.Flush())

	var out map[string]interface{}
	err = ReadJSON(srv, &out)
	require.Error(t, err)
	assert.Equal(t, errs.FramingError, errs.KindOf(err))
}
