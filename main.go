package main

import "github.com/endorses/oapxray/cmd"

func main() {
	cmd.Execute()
}
