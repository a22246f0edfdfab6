package main

import (
	"github.com/bobuhiro11/goata/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		panic(err)
	}
}
