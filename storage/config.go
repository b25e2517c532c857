package storage

// Config carries the tunables the stores read at construction time. It
// replaces any notion of process-wide defaults; every store instance gets an
// explicit copy.
type Config struct {
	// ChatTablePrefix prefixes every per-chat message table. All chat
	// tables can be discovered (and bulk-dropped) by this prefix.
	ChatTablePrefix string

	// ContactWindowSize is the row capacity of the contact store's read
	// window.
	ContactWindowSize int

	// MessageWindowSize is the row capacity of each chat store's read
	// window.
	MessageWindowSize int

	// MaxAttachmentSize is the largest file, in bytes, the attachment
	// cache accepts for outgoing storage. Zero means unlimited.
	MaxAttachmentSize int64
}

// DefaultConfig returns the configuration the engine uses unless the host
// overrides it.
func DefaultConfig() Config {
	return Config{
		ChatTablePrefix:   "chat_",
		ContactWindowSize: 64,
		MessageWindowSize: 128,
		MaxAttachmentSize: 1 << 30, // 1 GiB
	}
}
