package main

import "zilean/cmd"

func main() {
	cmd.Execute()
}
