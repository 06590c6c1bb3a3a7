// Command posguard runs the client-side security layer for the POS data API.
package main

import "github.com/Sentinel-Gate/posguard/cmd/posguard/cmd"

func main() {
	cmd.Execute()
}
