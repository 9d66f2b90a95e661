package main

import "github.com/birchdb/birch/cmd/birch/cmd"

func main() {
	cmd.Execute()
}
