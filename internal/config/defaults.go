package config

// DefaultAddr is the default listen address for the WebSocket server.
const DefaultAddr = "127.0.0.1:7171"

// DefaultActiveUser is the driver profile assumed when none is configured.
const DefaultActiveUser = 0
