package main

import "github.com/kidoz/esxi-patcher-go/cmd"

func main() {
	cmd.Execute()
}
