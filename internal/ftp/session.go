package ftp

import "fmt"

// DataMode enumerates how the data connection was negotiated.
type DataMode int

const (
	DataModeUnset DataMode = iota
	DataModeActive
	DataModePassive
)

func (m DataMode) String() string {
	switch m {
	case DataModeActive:
		return "active"
	case DataModePassive:
		return "passive"
	default:
		return "unset"
	}
}

// MarshalText lets reports render the mode by name.
func (m DataMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *DataMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*m = DataModeActive
	case "passive":
		*m = DataModePassive
	case "unset", "":
		*m = DataModeUnset
	default:
		return fmt.Errorf("ftp: unknown data mode %q", b)
	}
	return nil
}

// User tracks authentication and navigation.
type User struct {
	LoggedIn bool   `json:"logged_in" yaml:"logged_in"`
	Username string `json:"username" yaml:"username"`
	Cwd      string `json:"cwd" yaml:"cwd"`
}

// DataConnection records the last PORT/EPRT/PASV/EPSV negotiation.
type DataConnection struct {
	Mode    DataMode `json:"mode" yaml:"mode"`
	Address string   `json:"address,omitempty" yaml:"address,omitempty"`
}

// Transfer holds parameters set by TYPE, MODE, STRU, REST and RNFR.
type Transfer struct {
	Type          string `json:"type,omitempty" yaml:"type,omitempty"`
	Mode          string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Structure     string `json:"structure,omitempty" yaml:"structure,omitempty"`
	RestartOffset string `json:"restart_offset,omitempty" yaml:"restart_offset,omitempty"`
	RenameFrom    string `json:"rename_from,omitempty" yaml:"rename_from,omitempty"`
}

// Session is the accumulated control-channel state of one connection.
type Session struct {
	User              User           `json:"user" yaml:"user"`
	ExpectingPassword bool           `json:"expecting_password" yaml:"expecting_password"`
	DataConnection    DataConnection `json:"data_connection" yaml:"data_connection"`
	Transfer          Transfer       `json:"transfer" yaml:"transfer"`
}

// NewSession returns the state of a connection nobody has talked on yet.
func NewSession() Session {
	return Session{User: User{Cwd: "/"}}
}

// Reset discards everything learned so far.
func (s *Session) Reset() { *s = NewSession() }

const unknownUser = "<unknown>"

func (s *Session) displayName() string {
	if s.User.Username == "" {
		return unknownUser
	}
	return s.User.Username
}
