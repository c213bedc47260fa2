package main

import "github.com/univo/univo-rtc/cmd/univo-client/cmd"

func main() {
	cmd.Execute()
}
