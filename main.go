package main

import "github.com/kelvinbot/kelvin/cmd"

func main() {
	cmd.Execute()
}
