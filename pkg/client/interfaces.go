package client

// StateInterface defines the interface for client state persistence.
// State stores it in sqlite; MemoryState keeps it for the life of the process.
type StateInterface interface {
	// Configuration
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	// Remembered login
	GetLastServer() string
	SetLastServer(addr string) error
	GetLastUsername() string
	SetLastUsername(username string) error
	GetCodec() string
	SetCodec(name string) error

	// Connection history
	GetLastConnectionType(serverAddress string) (string, error)
	SaveSuccessfulConnection(serverAddress, connType string) error

	GetStateDir() string
	Close() error
}

var (
	_ StateInterface = (*State)(nil)
	_ StateInterface = (*MemoryState)(nil)
)
