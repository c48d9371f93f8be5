package client

import "sync"

// MemoryState is an in-memory StateInterface used when no state file is
// wanted (or it cannot be opened)
type MemoryState struct {
	mu sync.RWMutex

	config      map[string]string
	connections map[string]string
}

// NewMemoryState creates an empty in-memory state
func NewMemoryState() *MemoryState {
	return &MemoryState{
		config:      make(map[string]string),
		connections: make(map[string]string),
	}
}

func (s *MemoryState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config[key], nil
}

func (s *MemoryState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *MemoryState) GetLastServer() string {
	v, _ := s.GetConfig(configLastServer)
	return v
}

func (s *MemoryState) SetLastServer(addr string) error {
	return s.SetConfig(configLastServer, addr)
}

func (s *MemoryState) GetLastUsername() string {
	v, _ := s.GetConfig(configLastUsername)
	return v
}

func (s *MemoryState) SetLastUsername(username string) error {
	return s.SetConfig(configLastUsername, username)
}

func (s *MemoryState) GetCodec() string {
	v, _ := s.GetConfig(configCodec)
	return v
}

func (s *MemoryState) SetCodec(name string) error {
	return s.SetConfig(configCodec, name)
}

func (s *MemoryState) GetLastConnectionType(serverAddress string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[serverAddress], nil
}

func (s *MemoryState) SaveSuccessfulConnection(serverAddress, connType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[serverAddress] = connType
	return nil
}

func (s *MemoryState) GetStateDir() string { return "" }

func (s *MemoryState) Close() error { return nil }
