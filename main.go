package main

import "github.com/ashtonxiong/cs278-discord/cmd"

func main() {
	cmd.Execute()
}
