package schema

// User is an entry of the relay roster.
type User struct {
	ID       uint   `gorm:"primaryKey"`
	SocketID string `gorm:"uniqueIndex;not null"`
	Name     string
	JoinedAt int64
}

// Transfer is a finished or failed file transfer in the client ledger.
type Transfer struct {
	ID         uint   `gorm:"primaryKey"`
	TransferID string `gorm:"not null;uniqueIndex:idx_transfer"`
	PeerID     string `gorm:"not null;uniqueIndex:idx_transfer"`
	Direction  string `gorm:"not null;uniqueIndex:idx_transfer"`
	FileName   string
	FileType   string
	FileSize   int64
	Received   int64
	Status     string
	Error      string
	Path       string
	CreatedAt  int64
}
