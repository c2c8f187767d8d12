package chat

import "time"

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`
	Name    string `koanf:"name"`

	MaxMessageLen int           `koanf:"max_message_length"`
	WSTimeout     time.Duration `koanf:"websocket_timeout"`

	// History replayed over HTTP when a viewer opens a room.
	ChatHistorySize     int `koanf:"chat_history_size"`
	ActivityHistorySize int `koanf:"activity_history_size"`
}
