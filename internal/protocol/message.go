package protocol

// Message is a JSON control message exchanged over a peer data channel.
type Message interface {
	Type() MessageType
}

// FileMeta announces a transfer before its first chunk.
type FileMeta struct {
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	FileType   string `json:"fileType"`
}

func (FileMeta) Type() MessageType { return MsgFileMeta }

// FileComplete follows the last chunk of a transfer.
type FileComplete struct {
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
}

func (FileComplete) Type() MessageType { return MsgFileComplete }

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (Pong) Type() MessageType { return MsgPong }

// TextMessage is a chat payload. Timestamp is unix milliseconds.
type TextMessage struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

func (TextMessage) Type() MessageType { return MsgText }
