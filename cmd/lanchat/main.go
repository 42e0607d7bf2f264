package main

import "github.com/rudransh-shrivastava/lanchat/internal/client/cmd"

func main() {
	cmd.Execute()
}
