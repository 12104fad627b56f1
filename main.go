package main

import "filesort/cmd"

func main() {
	cmd.Execute()
}
