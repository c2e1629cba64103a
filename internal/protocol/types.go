package protocol

// Op identifies one protocol message kind.
type Op uint8

const (
	OpInfo Op = iota + 1
	OpConnect
	OpPub
	OpSub
	OpUnsub
	OpMsg
	OpPing
	OpPong
	OpOK
	OpErr
)

func (o Op) String() string {
	switch o {
	case OpInfo:
		return "INFO"
	case OpConnect:
		return "CONNECT"
	case OpPub:
		return "PUB"
	case OpSub:
		return "SUB"
	case OpUnsub:
		return "UNSUB"
	case OpMsg:
		return "MSG"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpOK:
		return "+OK"
	case OpErr:
		return "-ERR"
	default:
		return "UNKNOWN"
	}
}

// Frame is the closed set of protocol messages. Only types in this package
// implement it.
type Frame interface {
	Op() Op
	frame()
}

// ServerInfo is the capability document carried by INFO.
type ServerInfo struct {
	ServerID     string   `json:"server_id"`
	ServerName   string   `json:"server_name,omitempty"`
	Version      string   `json:"version"`
	Proto        int      `json:"proto"`
	Go           string   `json:"go,omitempty"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	MaxPayload   int64    `json:"max_payload"`
	ClientID     uint64   `json:"client_id,omitempty"`
	AuthRequired bool     `json:"auth_required,omitempty"`
	TLSRequired  bool     `json:"tls_required,omitempty"`
	TLSVerify    bool     `json:"tls_verify,omitempty"`
	ConnectURLs  []string `json:"connect_urls,omitempty"`
	LameDuckMode bool     `json:"ldm,omitempty"`
}

// ConnectInfo is the client handshake document carried by CONNECT.
type ConnectInfo struct {
	Verbose     bool   `json:"verbose"`
	Pedantic    bool   `json:"pedantic"`
	TLSRequired bool   `json:"tls_required"`
	AuthToken   string `json:"auth_token,omitempty"`
	User        string `json:"user,omitempty"`
	Pass        string `json:"pass,omitempty"`
	Name        string `json:"name,omitempty"`
	Lang        string `json:"lang"`
	Version     string `json:"version"`
	Protocol    int    `json:"protocol"`
	Echo        bool   `json:"echo"`
}

// Info is sent by the server on connect and on topology change.
type Info struct {
	Server ServerInfo
}

// Connect is the client handshake.
type Connect struct {
	Options ConnectInfo
}

// Pub publishes Payload to Subject with an optional Reply subject.
type Pub struct {
	Subject string
	Reply   string
	Payload []byte
}

// Sub registers interest in Subject under SID, optionally in a queue group.
type Sub struct {
	Subject string
	Queue   string
	SID     string
}

// Unsub removes SID, or arms it to expire after Max further messages when Max > 0.
type Unsub struct {
	SID string
	Max int
}

// Msg is a delivery to subscription SID.
type Msg struct {
	Subject string
	SID     string
	Reply   string
	Payload []byte
}

type Ping struct{}

type Pong struct{}

// OK acknowledges a well-formed op in verbose mode.
type OK struct{}

// Err carries a server-reported error reason without the surrounding quotes.
type Err struct {
	Reason string
}

func (*Info) Op() Op    { return OpInfo }
func (*Connect) Op() Op { return OpConnect }
func (*Pub) Op() Op     { return OpPub }
func (*Sub) Op() Op     { return OpSub }
func (*Unsub) Op() Op   { return OpUnsub }
func (*Msg) Op() Op     { return OpMsg }
func (*Ping) Op() Op    { return OpPing }
func (*Pong) Op() Op    { return OpPong }
func (*OK) Op() Op      { return OpOK }
func (*Err) Op() Op     { return OpErr }

func (*Info) frame()    {}
func (*Connect) frame() {}
func (*Pub) frame()     {}
func (*Sub) frame()     {}
func (*Unsub) frame()   {}
func (*Msg) frame()     {}
func (*Ping) frame()    {}
func (*Pong) frame()    {}
func (*OK) frame()      {}
func (*Err) frame()     {}

// AsError converts an -ERR frame into a ServerError.
func (e *Err) AsError() *ServerError {
	return &ServerError{Reason: e.Reason}
}
