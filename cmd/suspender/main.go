// The suspender agent runs inside a sandbox next to the player. It dials
// the suspend socket the host mounted in, authenticates with the player
// key, and freezes or thaws every other process in the sandbox on command.
// Stdout and stderr are shared with the player, so it never prints.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

const defaultSocket = "/tmp/arbiter-suspend.sock"

// sweepPasses caps the stop loop. A player forking during the sweep gets
// caught on a later pass; a bomb that outraces four passes is frozen
// mid-growth and finished off on the next suspend.
const sweepPasses = 4

func main() {
	socket := os.Getenv("SUSPEND_SOCKET")
	if socket == "" {
		socket = defaultSocket
	}
	key := os.Getenv("PLAYER_KEY")

	if _, err := os.Stat(socket); err != nil {
		// No channel mounted. The host falls back to runtime pause.
		return
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return
	}
	defer conn.Close()

	agent := &agent{
		self:   os.Getpid(),
		pids:   procPids,
		signal: syscall.Kill,
	}
	agent.serve(conn, key)
}

type agent struct {
	self   int
	pids   func() ([]int, error)
	signal func(pid int, sig syscall.Signal) error
}

// serve runs the line protocol until the host hangs up.
func (a *agent) serve(conn net.Conn, key string) {
	if _, err := fmt.Fprintf(conn, "%s\n", key); err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		var cmdErr error
		switch strings.TrimSpace(line) {
		case "suspend":
			cmdErr = a.suspend()
		case "resume":
			cmdErr = a.resume()
		default:
			cmdErr = fmt.Errorf("unknown command")
		}

		reply := "ack"
		if cmdErr != nil {
			reply = "failed: " + cmdErr.Error()
		}
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
	}
}

// suspend stops every visible process except the agent itself, rescanning
// until a pass stops nothing new.
func (a *agent) suspend() error {
	stopped := make(map[int]bool)
	for pass := 0; pass < sweepPasses; pass++ {
		pids, err := a.pids()
		if err != nil {
			return err
		}

		progress := false
		for _, pid := range pids {
			if pid == a.self || stopped[pid] {
				continue
			}
			// ESRCH means the process exited between scan and signal.
			if err := a.signal(pid, syscall.SIGSTOP); err == nil {
				stopped[pid] = true
				progress = true
			}
		}
		if !progress {
			return nil
		}
	}
	return nil
}

func (a *agent) resume() error {
	pids, err := a.pids()
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if pid == a.self {
			continue
		}
		a.signal(pid, syscall.SIGCONT)
	}
	return nil
}

// procPids lists the process ids visible in this pid namespace.
func procPids() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
