// The main package for the stock-crawler executable.
package main

import (
	"github.com/dgfp-lmis/stock-crawler/cmd"
)

func main() {
	cmd.Execute()
}
