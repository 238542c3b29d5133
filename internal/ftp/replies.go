package ftp

import (
	"strings"
	"unicode"
)

type replyFormatter func(rest string) string

// replyTable carries one canonical sentence per reply code.
var replyTable = map[string]replyFormatter{
	"110": withRest("Restart marker reply"),
	"120": constant("Service ready in a few minutes"),
	"125": constant("Data connection already open, transfer starting"),
	"150": constant("File status okay, opening data connection"),
	"200": withRest("Command okay"),
	"202": constant("Command not implemented, superfluous at this site"),
	"211": withRest("System status"),
	"212": withRest("Directory status"),
	"213": withRest("File status"),
	"214": withRest("Help message"),
	"215": withRest("Server system type"),
	"220": withRest("Server ready"),
	"221": constant("Server closed the control connection"),
	"225": constant("Data connection open, no transfer in progress"),
	"226": constant("Transfer complete, closing data connection"),
	"227": withRest("Server entered passive mode"),
	"228": withRest("Server entered long passive mode"),
	"229": withRest("Server entered extended passive mode"),
	"230": constant("User logged in"),
	"232": constant("User logged in, authorized by security data exchange"),
	"234": withRest("Security mechanism accepted"),
	"250": withRest("Requested file action completed"),
	"257": withRest("Pathname reported"),
	"331": constant("Server requested password"),
	"332": constant("Server requested account information"),
	"350": withRest("Requested file action pending further information"),
	"421": constant("Service not available, closing control connection"),
	"425": constant("Cannot open data connection"),
	"426": constant("Connection closed, transfer aborted"),
	"430": constant("Invalid username or password"),
	"450": withRest("Requested file action not taken, file unavailable"),
	"451": constant("Requested action aborted, local error in processing"),
	"452": constant("Requested action not taken, insufficient storage"),
	"500": constant("Syntax error, command unrecognized"),
	"501": constant("Syntax error in parameters or arguments"),
	"502": constant("Command not implemented"),
	"503": constant("Bad sequence of commands"),
	"504": constant("Command not implemented for that parameter"),
	"530": constant("Not logged in"),
	"532": constant("Need account for storing files"),
	"550": withRest("Requested action not taken, file unavailable"),
	"551": constant("Requested action aborted, page type unknown"),
	"552": constant("Requested file action aborted, exceeded storage allocation"),
	"553": withRest("Requested action not taken, file name not allowed"),
}

func constant(line string) replyFormatter {
	return func(string) string { return line }
}

func withRest(prefix string) replyFormatter {
	return func(rest string) string {
		if rest == "" {
			return prefix
		}
		return prefix + ": " + rest
	}
}

func splitReply(line string) (code, rest string) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeftFunc(line[i:], unicode.IsSpace)
}

// describeReply renders one reply line. known reports whether the code was
// in the reply table.
func describeReply(line string) (narrative, code string, known bool) {
	code, rest := splitReply(line)
	f, ok := replyTable[code]
	if !ok {
		return "Server reply: " + line, code, false
	}
	return f(rest), code, true
}
