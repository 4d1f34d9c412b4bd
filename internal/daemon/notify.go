package daemon

import (
	"net"
	"os"
)

// Systemd readiness integration over the NOTIFY_SOCKET datagram. No cgo.

func notifyReady() error    { return sdNotify("READY=1") }
func notifyWatchdog() error { return sdNotify("WATCHDOG=1") }
func notifyStopping() error { return sdNotify("STOPPING=1") }

func sdNotify(state string) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		// Not under systemd.
		return nil
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}
