package server

import (
	"fmt"
	"log"
	"net"
	"os"
)

// NotifyReady tells systemd that startup is complete.
func NotifyReady() error {
	return sdNotify("READY=1")
}

// NotifyStopping tells systemd that shutdown has begun.
func NotifyStopping() error {
	return sdNotify("STOPPING=1")
}

// NotifyStatus sends a free-form status line to systemd.
func NotifyStatus(msg string) error {
	return sdNotify("STATUS=" + msg)
}

// sdNotify is a no-op when NOTIFY_SOCKET is unset.
func sdNotify(msg string) error {
	sockPath := os.Getenv("NOTIFY_SOCKET")
	if sockPath == "" {
		return nil
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("notify dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("notify write failed: %w", err)
	}
	log.Printf("Notified systemd: %s", msg)
	return nil
}
