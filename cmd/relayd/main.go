// Command relayd runs the audio relay: the synthesis streamer, the
// recognition endpoint and the gateway proxy in one process.
//
// Usage:
//
//	relayd serve --config relay.yaml
//	relayd config check --config relay.yaml
//	relayd version
package main

import (
	"fmt"
	"os"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
