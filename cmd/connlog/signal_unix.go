//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyRotate delivers SIGUSR1 to ch.
func notifyRotate(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGUSR1)
}

func stopRotate(ch chan<- os.Signal) { signal.Stop(ch) }
