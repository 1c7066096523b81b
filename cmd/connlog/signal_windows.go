//go:build windows

package main

import "os"

// notifyRotate is a no-op: Windows has no SIGUSR1. Use POST {base}/rotate instead.
func notifyRotate(chan<- os.Signal) {}

func stopRotate(chan<- os.Signal) {}
