package models

import "time"

// SSHConfig holds bastion connection settings.
type SSHConfig struct {
	Host          string
	Port          int
	Username      string
	PrivateKey    []byte // loaded from file path
	KeyPath       string // path to key file
	Passphrase    string // optional, for encrypted keys
	Timeout       time.Duration
	SharedSession bool        // if true, both tunnels ride one SSH connection
	Wake          *WakeConfig // nil if the bastion is always on
}

// Forward describes one local port-forward through the bastion.
type Forward struct {
	LocalPort  int // 0 picks an ephemeral port
	RemoteHost string
	RemotePort int
}

// WakeConfig holds Wake-on-LAN settings for a bastion that sleeps between runs.
type WakeConfig struct {
	MACAddress    string
	BroadcastIP   string        // default "255.255.255.255"
	Timeout       time.Duration // max wait for the SSH port to accept connections
	PollInterval  time.Duration
	StabilizeWait time.Duration // extra wait after the port opens
}

// WakeResult holds the result of a wake operation.
type WakeResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
