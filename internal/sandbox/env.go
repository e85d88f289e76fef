package sandbox

import (
	"fmt"
	"runtime"
)

// HostPlatform maps GOOS onto the platform tag players receive.
func HostPlatform() string {
	switch runtime.GOOS {
	case "darwin":
		return "DARWIN"
	case "windows":
		return "WIN32"
	default:
		return "LINUX"
	}
}

// BuildEnv assembles the variables every player process receives: its
// secret key, how to reach the match server, and the platform tag.
func BuildEnv(key uint16, connect Connect, platform string) []string {
	env := []string{
		fmt.Sprintf("PLAYER_KEY=%d", key),
		"BC_PLATFORM=" + platform,
	}
	if connect.SocketFile != "" {
		env = append(env, "SOCKET_FILE="+connect.SocketFile)
	} else {
		env = append(env, fmt.Sprintf("TCP_PORT=%d", connect.TCPPort))
	}
	return env
}
