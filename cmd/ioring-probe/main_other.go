//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "ioring-probe: io_uring is available only on linux")
	os.Exit(1)
}
