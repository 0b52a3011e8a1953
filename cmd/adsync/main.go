package main

import "github.com/vietddude/adsync/internal/cli"

func main() {
	cli.Execute()
}
