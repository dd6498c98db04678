package main

import "github.com/theirongolddev/datareceiver/cmd"

func main() {
	cmd.Execute()
}
