package main

import "github.com/Tutortoise/face-embedding-service/cmd"

func main() {
	cmd.Execute()
}
