package chatcore

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/opd-ai/chatcore/content"
	"github.com/opd-ai/chatcore/storage"
)

// Options contains the configuration for creating a Messenger. There is no
// process-wide default state; every engine instance carries its own copy.
type Options struct {
	// DatabasePath is the SQLite file backing all stores. ":memory:"
	// keeps everything in process, used by tests.
	DatabasePath string

	// SelfAlias seeds the self contact's alias on first run.
	SelfAlias string

	// Storage tunes table naming and cache windows.
	Storage storage.Config

	// Serializer encodes message content for storage and for the wire.
	// Nil selects the binary serializer.
	Serializer content.Serializer
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		DatabasePath: "chatcore.db",
		Storage:      storage.DefaultConfig(),
		Serializer:   content.Binary{},
	}
}

// fileOptions is the TOML shape of a host-side options file.
type fileOptions struct {
	DatabasePath      string `toml:"database_path"`
	SelfAlias         string `toml:"self_alias"`
	ChatTablePrefix   string `toml:"chat_table_prefix"`
	ContactWindowSize int    `toml:"contact_window_size"`
	MessageWindowSize int    `toml:"message_window_size"`
	MaxAttachmentSize int64  `toml:"max_attachment_size"`
}

// LoadOptions reads options from a TOML file, filling anything the file
// leaves out with defaults.
func LoadOptions(path string) (*Options, error) {
	var fo fileOptions
	if _, err := toml.DecodeFile(path, &fo); err != nil {
		return nil, fmt.Errorf("load options %q: %w", path, err)
	}

	opts := NewOptions()
	if fo.DatabasePath != "" {
		opts.DatabasePath = fo.DatabasePath
	}
	opts.SelfAlias = fo.SelfAlias
	if fo.ChatTablePrefix != "" {
		opts.Storage.ChatTablePrefix = fo.ChatTablePrefix
	}
	if fo.ContactWindowSize > 0 {
		opts.Storage.ContactWindowSize = fo.ContactWindowSize
	}
	if fo.MessageWindowSize > 0 {
		opts.Storage.MessageWindowSize = fo.MessageWindowSize
	}
	if fo.MaxAttachmentSize > 0 {
		opts.Storage.MaxAttachmentSize = fo.MaxAttachmentSize
	}
	return opts, nil
}
