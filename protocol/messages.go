package protocol

import "fmt"

// MessageType is the frame type of a site-to-site message.
type MessageType uint32

const (
	MsgHandshake MessageType = 1 + iota
	MsgHandshakeResponse
	MsgRequestPeerList
	MsgPeerList
	MsgBegin
	MsgTransactionResponse
	MsgPacketHeader
	MsgPacketData
	MsgPacketEnd
	MsgNoMoreData
	MsgConfirm
	MsgConfirmResponse
	MsgComplete
	MsgCompleteResponse
	MsgCancel
)

var messageTypeNames = map[MessageType]string{
	MsgHandshake:           "HANDSHAKE",
	MsgHandshakeResponse:   "HANDSHAKE_RESPONSE",
	MsgRequestPeerList:     "REQUEST_PEER_LIST",
	MsgPeerList:            "PEER_LIST",
	MsgBegin:               "BEGIN",
	MsgTransactionResponse: "TRANSACTION_RESPONSE",
	MsgPacketHeader:        "PACKET_HEADER",
	MsgPacketData:          "PACKET_DATA",
	MsgPacketEnd:           "PACKET_END",
	MsgNoMoreData:          "NO_MORE_DATA",
	MsgConfirm:             "CONFIRM",
	MsgConfirmResponse:     "CONFIRM_RESPONSE",
	MsgComplete:            "COMPLETE",
	MsgCompleteResponse:    "COMPLETE_RESPONSE",
	MsgCancel:              "CANCEL",
}

func (t MessageType) String() string {
	if n, ok := messageTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

type ResponseCode string

const (
	CodePropertiesOK            ResponseCode = "PROPERTIES_OK"
	CodeUnknownPort             ResponseCode = "UNKNOWN_PORT"
	CodePortNotRunning          ResponseCode = "PORT_NOT_RUNNING"
	CodeStarted                 ResponseCode = "STARTED"
	CodeDestinationFull         ResponseCode = "DESTINATION_FULL"
	CodeConfirmed               ResponseCode = "CONFIRMED"
	CodeBadChecksum             ResponseCode = "BAD_CHECKSUM"
	CodeFinished                ResponseCode = "FINISHED"
	CodeFinishedDestinationFull ResponseCode = "FINISHED_DESTINATION_FULL"
)

// Direction is the transfer direction as seen by the client:
// on SEND the client writes packets, on RECEIVE the server does.
type Direction string

const (
	DirectionSend    Direction = "SEND"
	DirectionReceive Direction = "RECEIVE"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionReceive
}

type Handshake struct {
	CommsID        string `json:"commsId"`
	PortName       string `json:"portName,omitempty"`
	PortIdentifier string `json:"portIdentifier,omitempty"`
	TimeoutMillis  int64  `json:"timeoutMillis,omitempty"`
}

type HandshakeResponse struct {
	Code           ResponseCode `json:"code"`
	PortIdentifier string       `json:"portIdentifier,omitempty"`
	PortName       string       `json:"portName,omitempty"`
	Message        string       `json:"message,omitempty"`
}

type PeerDescription struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
	// Number of packets queued at the peer, a load hint.
	Queued int `json:"queued"`
}

type PeerList struct {
	Peers []PeerDescription `json:"peers"`
}

type Begin struct {
	Direction     Direction `json:"direction"`
	TransactionID string    `json:"transactionId"`
}

type TransactionResponse struct {
	Code          ResponseCode `json:"code"`
	BackoffMillis int64        `json:"backoffMillis,omitempty"`
	Message       string       `json:"message,omitempty"`
}

type Confirm struct {
	Checksum uint32 `json:"checksum"`
	Packets  uint64 `json:"packets"`
}

type ConfirmResponse struct {
	Code     ResponseCode `json:"code"`
	Checksum uint32       `json:"checksum"`
	Packets  uint64       `json:"packets"`
}

type Complete struct {
	Backoff       bool  `json:"backoff"`
	BackoffMillis int64 `json:"backoffMillis,omitempty"`
}

type CompleteResponse struct {
	Code          ResponseCode `json:"code"`
	BackoffMillis int64        `json:"backoffMillis,omitempty"`
}

type Cancel struct {
	Explanation string `json:"explanation"`
}

// DescriptorPath is the path below a node's http(s) URL at which the
// SiteDescriptor is served.
const DescriptorPath = "/site-to-site"

// SiteDescriptor tells clients where to find a node's raw site-to-site port.
type SiteDescriptor struct {
	RawPort int  `json:"rawPort"`
	Secure  bool `json:"secure"`
	// The node coordinates a cluster and answers REQUEST_PEER_LIST.
	Cluster bool `json:"cluster"`
}
