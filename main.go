// Objex - heap snapshot capture and retention-path exploration.
//
// Objex dumps a live object graph into a compact snapshot, indexes it
// offline, and answers "what still holds this object?" over the result.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/objex-go/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
