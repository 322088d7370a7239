package main

import "example.com/room_call/peer/cmd"

func main() {
	cmd.Execute()
}
