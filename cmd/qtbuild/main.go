package main

import "github.com/goplus/qtbuild/cmd/qtbuild/internal"

func main() {
	internal.Execute()
}
