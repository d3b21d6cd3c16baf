// ovn-bgp-agentctl queries and controls a running ovn-bgp-agent through its
// admin API.
package main

import "github.com/dantte-lp/ovn-bgp-agent/cmd/ovn-bgp-agentctl/commands"

func main() {
	commands.Execute()
}
