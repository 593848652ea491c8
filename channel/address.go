package channel

import (
	"net"
	"strconv"
)

// LocalHost is the loop-back host every channel binds to by default.
const LocalHost = "127.0.0.1"

// Address is a channel endpoint. Port 0 means the port is assigned when the
// kernel launches.
type Address struct {
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port"`
}

// LocalAddress returns a loop-back address on port.
func LocalAddress(port int) Address {
	return Address{Host: LocalHost, Port: port}
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsLoopback reports whether the host names the local machine.
func (a Address) IsLoopback() bool {
	if a.Host == "localhost" {
		return true
	}
	ip := net.ParseIP(a.Host)
	return ip != nil && ip.IsLoopback()
}
