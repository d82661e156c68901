// canarywatch guards a path and, on the first sign of access, closes the
// LUKS volume and hard-reboots the host.
package main

import "github.com/ppiankov/canarywatch/internal/cli"

func main() {
	cli.Execute()
}
