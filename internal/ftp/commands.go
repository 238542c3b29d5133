package ftp

import (
	"strings"
	"unicode"
)

// commandHandler applies a request to the session and describes it.
type commandHandler func(s *Session, arg string) string

var commandTable = map[string]commandHandler{
	"USER": handleUSER,
	"PASS": handlePASS,
	"ACCT": func(s *Session, _ string) string {
		return "User " + s.displayName() + " provided account information"
	},
	"SMNT": func(s *Session, arg string) string {
		return "User " + s.displayName() + " mounted " + arg
	},
	"CWD":  handleCWD,
	"XCWD": handleCWD,
	"CDUP": handleCDUP,
	"XCUP": handleCDUP,
	"REIN": func(s *Session, _ string) string {
		s.Reset()
		return "User session reset"
	},
	"QUIT": func(s *Session, _ string) string {
		line := "User " + s.displayName() + " logged out"
		s.Reset()
		return line
	},

	"PORT": handleActive,
	"EPRT": handleActive,
	"PASV": func(s *Session, _ string) string {
		s.DataConnection = DataConnection{Mode: DataModePassive}
		return "Client requested passive mode data connection"
	},
	"EPSV": func(s *Session, _ string) string {
		s.DataConnection = DataConnection{Mode: DataModePassive}
		return "Client requested extended passive mode data connection"
	},

	"TYPE": handleTYPE,
	"MODE": func(s *Session, arg string) string {
		s.Transfer.Mode = arg
		return "Transfer mode set to " + arg
	},
	"STRU": func(s *Session, arg string) string {
		s.Transfer.Structure = arg
		return "File structure set to " + arg
	},
	"REST": func(s *Session, arg string) string {
		s.Transfer.RestartOffset = arg
		return "Client requested to resume transfer at offset " + arg
	},
	"RNFR": func(s *Session, arg string) string {
		s.Transfer.RenameFrom = arg
		return "User " + s.displayName() + " selected " + arg + " to be renamed"
	},
	"RNTO": handleRNTO,

	"STOR": userAction("uploaded file"),
	"STOU": func(s *Session, _ string) string {
		return "User " + s.displayName() + " uploaded a file under a unique name"
	},
	"APPE":  userAction("appended to file"),
	"RETR":  userAction("downloaded file"),
	"LIST":  handleListing("listed directory"),
	"NLST":  handleListing("listed file names in"),
	"NLIST": handleListing("listed file names in"),
	"MLSD":  handleListing("listed directory entries in"),
	"MLST":  userAction("requested facts about"),
	"DELE":  userAction("deleted file"),
	"RMD":   userAction("removed directory"),
	"XRMD":  userAction("removed directory"),
	"MKD":   userAction("created directory"),
	"XMKD":  userAction("created directory"),
	"PWD":   handlePWD,
	"XPWD":  handlePWD,
	"SIZE":  userAction("requested the size of"),
	"MDTM":  userAction("requested the modification time of"),

	"ABOR": fixed("Client aborted the previous command"),
	"SYST": fixed("Client requested the server system type"),
	"STAT": fixed("Client requested server status"),
	"HELP": fixed("Client requested help"),
	"NOOP": fixed("Client sent a keep-alive"),
	"FEAT": fixed("Client requested the list of supported features"),
	"SITE": withArg("Client sent site-specific command"),
	"CLNT": withArg("Client identified itself as"),
	"OPTS": withArg("Client set option"),
	"ALLO": withArg("Client asked the server to allocate storage"),
	"AUTH": withArg("Client requested security mechanism"),
	"PBSZ": withArg("Client set protection buffer size"),
	"PROT": withArg("Client set data channel protection level"),
}

func handleUSER(s *Session, arg string) string {
	s.User.Username = arg
	s.ExpectingPassword = true
	return "User " + arg + " tried to log in"
}

func handlePASS(s *Session, _ string) string {
	if !s.ExpectingPassword {
		return "Password entered without username"
	}
	s.User.LoggedIn = true
	s.ExpectingPassword = false
	return "User " + s.displayName() + " logged in successfully"
}

func handleCWD(s *Session, arg string) string {
	s.User.Cwd = arg
	if !s.User.LoggedIn {
		return "User " + s.displayName() + " tried to change directory before logging in"
	}
	return "User " + s.displayName() + " changed working directory to " + arg
}

func handleCDUP(s *Session, _ string) string {
	s.User.Cwd = "/"
	return "User " + s.displayName() + " moved to parent directory"
}

func handleActive(s *Session, arg string) string {
	s.DataConnection = DataConnection{Mode: DataModeActive, Address: arg}
	return "Client requested active mode data connection to " + arg
}

func handleTYPE(s *Session, arg string) string {
	s.Transfer.Type = arg
	code := ""
	if f := strings.Fields(arg); len(f) > 0 {
		code = strings.ToUpper(f[0])
	}
	switch code {
	case "I":
		return "Transfer type set to binary (I)"
	case "A":
		return "Transfer type set to ASCII (A)"
	default:
		return "Transfer type set to " + arg
	}
}

func handleRNTO(s *Session, arg string) string {
	from := s.Transfer.RenameFrom
	s.Transfer.RenameFrom = ""
	if from == "" {
		return "User " + s.displayName() + " renamed a file to " + arg
	}
	return "User " + s.displayName() + " renamed " + from + " to " + arg
}

func handlePWD(s *Session, _ string) string {
	return "User " + s.displayName() + " asked for the working directory (" + s.User.Cwd + ")"
}

func handleListing(verb string) commandHandler {
	return func(s *Session, arg string) string {
		target := arg
		if target == "" {
			target = s.User.Cwd
		}
		return "User " + s.displayName() + " " + verb + " " + target
	}
}

func userAction(verb string) commandHandler {
	return func(s *Session, arg string) string {
		return "User " + s.displayName() + " " + verb + " " + arg
	}
}

func fixed(line string) commandHandler {
	return func(*Session, string) string { return line }
}

func withArg(prefix string) commandHandler {
	return func(_ *Session, arg string) string {
		if arg == "" {
			return prefix
		}
		return prefix + " " + arg
	}
}

// splitCommand separates the verb from its argument. Leading whitespace is
// skipped and at most one space after the verb is dropped.
func splitCommand(line string) (verb, arg string) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	verb, arg = strings.ToUpper(line[:i]), line[i:]
	return verb, strings.TrimPrefix(arg, " ")
}

// dispatchCommand applies one request line to the session. known reports
// whether the verb was in the command table.
func dispatchCommand(s *Session, line string) (narrative, verb string, known bool) {
	verb, arg := splitCommand(line)
	h, ok := commandTable[verb]
	if !ok {
		return "Unknown FTP command: " + verb, verb, false
	}
	return h(s, arg), verb, true
}
