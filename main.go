package main

import "github.com/DominicWuest/versisect/cmd"

func main() {
	cmd.Execute()
}
