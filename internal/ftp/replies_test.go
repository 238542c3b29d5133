package ftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeReply(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		want      string
		wantCode  string
		wantKnown bool
	}{
		{name: "greeting", line: "220 ProFTPD Server ready.", want: "Server ready: ProFTPD Server ready.", wantCode: "220", wantKnown: true},
		{name: "password request", line: "331 Password required for alice", want: "Server requested password", wantCode: "331", wantKnown: true},
		{name: "password request without text", line: "331", want: "Server requested password", wantCode: "331", wantKnown: true},
		{name: "login", line: "230 User alice logged in", want: "User logged in", wantCode: "230", wantKnown: true},
		{name: "system type", line: "215 UNIX Type: L8", want: "Server system type: UNIX Type: L8", wantCode: "215", wantKnown: true},
		{name: "extended passive", line: "229 Entering Extended Passive Mode (|||6446|)", want: "Server entered extended passive mode: Entering Extended Passive Mode (|||6446|)", wantCode: "229", wantKnown: true},
		{name: "pathname", line: `257 "/pub" is the current directory`, want: `Pathname reported: "/pub" is the current directory`, wantCode: "257", wantKnown: true},
		{name: "transfer complete", line: "226 Transfer complete", want: "Transfer complete, closing data connection", wantCode: "226", wantKnown: true},
		{name: "goodbye", line: "221 Goodbye.", want: "Server closed the control connection", wantCode: "221", wantKnown: true},
		{name: "extra spaces before rest", line: "250   CWD ok", want: "Requested file action completed: CWD ok", wantCode: "250", wantKnown: true},
		{name: "unmapped code", line: "999 something odd", want: "Server reply: 999 something odd", wantCode: "999", wantKnown: false},
		{name: "not a code", line: "hello there", want: "Server reply: hello there", wantCode: "hello", wantKnown: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, code, known := describeReply(tt.line)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantKnown, known)
		})
	}
}

func TestReplyTable_CodesAreThreeDigits(t *testing.T) {
	for code := range replyTable {
		assert.Len(t, code, 3, code)
		assert.True(t, hasReplyCode([]byte(code)), code)
	}
}
