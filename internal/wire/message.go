// Package wire implements the v5/v2 control message catalog and the
// length-prefixed frame codec the protocol loops exchange over an
// authenticated channel (spec.md §4.A, §4.D, §4.E). It is grounded on the
// teacher's transport.TCPSender/TCPReceiver framing idiom — a fixed-width
// length prefix ahead of a payload — generalized from "one chunk plus its
// metadata" to "one JSON control frame, or one binary chunk frame tagged
// with its owning file id".
package wire

// Type tags the kind of control message carried by a Frame's JSON payload.
type Type string

const (
	TypeTransferRequest Type = "transfer_request"
	TypeStart           Type = "start"
	TypeReqChsum        Type = "req_chsum"
	TypeReportChsum     Type = "report_chsum"
	TypeProgress        Type = "progress"
	TypeDone            Type = "done"
	TypeCancel          Type = "cancel"
	TypeReject          Type = "reject"
	TypeError           Type = "error"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
)

// FileDescriptor is one entry of a TransferRequest's file list.
type FileDescriptor struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Message is the JSON envelope for every control frame. Only the fields
// relevant to Type are populated; the rest are left zero. The v2 loop
// (internal/protocol/v2) uses the same constructors, always sends Start
// with offset 0, and never builds ReqChsum, ReportChsum or Reject.
type Message struct {
	Type Type `json:"type"`

	TransferID string           `json:"transfer_id,omitempty"`
	Files      []FileDescriptor `json:"files,omitempty"`

	File string `json:"file,omitempty"`

	Offset          int64  `json:"offset,omitempty"`
	Limit           int64  `json:"limit,omitempty"`
	Checksum        string `json:"checksum,omitempty"`
	BytesTransfered int64  `json:"bytes_transfered,omitempty"`

	Msg string `json:"msg,omitempty"`
}

// NewTransferRequest builds the Handshaking-phase client->server message.
func NewTransferRequest(transferID string, files []FileDescriptor) Message {
	return Message{Type: TypeTransferRequest, TransferID: transferID, Files: files}
}

// NewStart builds a Start{file, offset} message (S->C).
func NewStart(file string, offset int64) Message {
	return Message{Type: TypeStart, File: file, Offset: offset}
}

// NewReqChsum builds a ReqChsum{file, limit} message (S->C, v5 only).
func NewReqChsum(file string, limit int64) Message {
	return Message{Type: TypeReqChsum, File: file, Limit: limit}
}

// NewReportChsum builds a ReportChsum{file, limit, checksum} message (C->S, v5 only).
func NewReportChsum(file string, limit int64, checksum string) Message {
	return Message{Type: TypeReportChsum, File: file, Limit: limit, Checksum: checksum}
}

// NewProgress builds a Progress{file, bytes_transfered} message (S->C).
func NewProgress(file string, bytesTransfered int64) Message {
	return Message{Type: TypeProgress, File: file, BytesTransfered: bytesTransfered}
}

// NewDone builds a Done{file, bytes_transfered} message (S->C).
func NewDone(file string, bytesTransfered int64) Message {
	return Message{Type: TypeDone, File: file, BytesTransfered: bytesTransfered}
}

// NewCancel builds a Cancel{file} message (either direction).
func NewCancel(file string) Message {
	return Message{Type: TypeCancel, File: file}
}

// NewReject builds a Reject{file} message (either direction, v5 only).
func NewReject(file string) Message {
	return Message{Type: TypeReject, File: file}
}

// NewError builds an Error{file?, msg} message. An empty file means a
// transfer-level error.
func NewError(file, msg string) Message {
	return Message{Type: TypeError, File: file, Msg: msg}
}

// IsTransferLevel reports whether m is a transfer-level Error (File unset).
func (m Message) IsTransferLevel() bool {
	return m.Type == TypeError && m.File == ""
}
