package main

import "hanbok-fusion/cmd"

func main() {
	cmd.Execute()
}
