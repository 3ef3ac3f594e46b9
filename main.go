package main

import "github.com/ValentinKolb/dProxy/cmd"

func main() {
	cmd.Execute()
}
