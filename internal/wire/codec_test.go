// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFrameArrayCommand(t *testing.T) {
	raw := "*3\r\n$7\r\nPUBLISH\r\n$4\r\nchan\r\n$5\r\nhello\r\n"
	f, err := ReadFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "PUBLISH", f.Command)
	require.Equal(t, []string{"chan", "hello"}, f.Args)
	require.Equal(t, raw, string(f.Raw))
}

func TestReadFrameInlinePing(t *testing.T) {
	f, err := ReadFrame(bufio.NewReader(strings.NewReader("PING\r\n")))
	require.NoError(t, err)
	require.Equal(t, "PING", f.Command)
}

func TestReadFrameSimpleReply(t *testing.T) {
	f, err := ReadFrame(bufio.NewReader(strings.NewReader("+OK\r\n")))
	require.NoError(t, err)
	require.Equal(t, "+", f.Command)
	require.Equal(t, "OK", f.Args[0])
}

func TestReadFrameSubscribeMultipleChannels(t *testing.T) {
	raw := "*3\r\n$9\r\nSUBSCRIBE\r\n$5\r\nchan1\r\n$5\r\nchan2\r\n"
	f, err := ReadFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "SUBSCRIBE", f.Command)
	require.Equal(t, []string{"chan1", "chan2"}, f.Args)
}

func TestEncodeMessageFrame(t *testing.T) {
	got := EncodeMessage("tasks/new", "hi")
	want := "*3\r\n$7\r\nmessage\r\n$9\r\ntasks/new\r\n$2\r\nhi\r\n"
	require.Equal(t, want, string(got))
}

func TestEncodeDecodeRoundTripViaReadFrame(t *testing.T) {
	encoded := EncodeMessage("ch", "payload")
	f, err := ReadFrame(bufio.NewReader(strings.NewReader(string(encoded))))
	require.NoError(t, err)
	require.Equal(t, "MESSAGE", f.Command)
	require.Equal(t, []string{"ch", "payload"}, f.Args)
}

func TestReadFrameMalformedReturnsError(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader("*2\r\n$3\r\nabc\r\n$99\r\nshort\r\n")))
	require.Error(t, err)
}
